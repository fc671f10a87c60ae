package loadbalancer

import (
	"sort"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
)

// Strategy represents a destination selection strategy for virtual drives
type Strategy string

const (
	// StrategyManual validates an explicit, caller supplied account list
	StrategyManual Strategy = "manual"
	// StrategyMostFreeSpace picks the account with the most remaining bytes
	StrategyMostFreeSpace Strategy = "most_free_space"
	// StrategyLowestFill picks the account with the lowest used/total ratio
	StrategyLowestFill Strategy = "lowest_fill_percentage"
)

// DefaultBuffer is the headroom CanFit keeps free on every account
const DefaultBuffer int64 = 1 << 20

// ParseStrategy converts a config or query value into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyManual, StrategyMostFreeSpace, StrategyLowestFill:
		return Strategy(s), nil
	case "":
		return StrategyMostFreeSpace, nil
	default:
		return "", apperrors.InvalidRequest("unknown destination strategy " + s)
	}
}

// DriveUploadInfo is a quota snapshot of one backing account
type DriveUploadInfo struct {
	AccountID      string `json:"account_id"`
	AccountName    string `json:"account_name"`
	Provider       string `json:"provider"`
	UsedBytes      int64  `json:"used_bytes"`
	TotalBytes     int64  `json:"total_bytes"`
	RemainingBytes int64  `json:"remaining_bytes"`
}

// CanFit reports whether size fits while keeping DefaultBuffer free
func (d DriveUploadInfo) CanFit(size int64) bool {
	return d.CanFitWithBuffer(size, DefaultBuffer)
}

// CanFitWithBuffer reports whether remaining >= size + buffer
func (d DriveUploadInfo) CanFitWithBuffer(size, buffer int64) bool {
	return d.RemainingBytes >= size+buffer
}

// FillRatio returns used/total, or 0 when the total is unknown
func (d DriveUploadInfo) FillRatio() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes)
}

func (d DriveUploadInfo) label() string {
	if d.AccountName != "" {
		return d.AccountName
	}
	return d.AccountID
}

// Balancer chooses destination accounts for aggregated drives
type Balancer struct {
	buffer int64
}

// NewBalancer creates a balancer; buffer <= 0 selects DefaultBuffer
func NewBalancer(buffer int64) *Balancer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Balancer{buffer: buffer}
}

// Buffer returns the headroom kept free on every account
func (b *Balancer) Buffer() int64 {
	return b.buffer
}

// Select returns the destination for a file of the given size. For the manual
// strategy every listed account is validated and all of them are returned in
// the listed order; the other strategies return a single account.
func (b *Balancer) Select(driveID string, strategy Strategy, infos []DriveUploadInfo, size int64, manual []string) ([]DriveUploadInfo, error) {
	switch strategy {
	case StrategyManual:
		return b.selectManual(infos, size, manual)
	case StrategyLowestFill:
		if d, ok := b.selectLowestFill(infos, size); ok {
			return []DriveUploadInfo{d}, nil
		}
	default:
		if d, ok := b.selectMostFree(infos, size); ok {
			return []DriveUploadInfo{d}, nil
		}
	}
	return nil, apperrors.NoSuitableDrive(driveID, size)
}

// selectManual validates every requested account and reports all offenders at once
func (b *Balancer) selectManual(infos []DriveUploadInfo, size int64, manual []string) ([]DriveUploadInfo, error) {
	if len(manual) == 0 {
		return nil, apperrors.InvalidRequest("manual strategy requires at least one account")
	}
	byID := make(map[string]DriveUploadInfo, len(infos))
	for _, d := range infos {
		byID[d.AccountID] = d
	}

	var selected []DriveUploadInfo
	var offending []string
	for _, id := range manual {
		d, ok := byID[id]
		if !ok {
			offending = append(offending, id)
			continue
		}
		if !d.CanFitWithBuffer(size, b.buffer) {
			offending = append(offending, d.label())
			continue
		}
		selected = append(selected, d)
	}
	if len(offending) > 0 {
		return nil, apperrors.InsufficientSpace(size, offending)
	}
	return selected, nil
}

// selectMostFree sorts by remaining bytes descending and takes the first fit
func (b *Balancer) selectMostFree(infos []DriveUploadInfo, size int64) (DriveUploadInfo, bool) {
	sorted := append([]DriveUploadInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RemainingBytes > sorted[j].RemainingBytes
	})
	return b.firstFit(sorted, size)
}

// selectLowestFill sorts by fill ratio ascending and takes the first fit
func (b *Balancer) selectLowestFill(infos []DriveUploadInfo, size int64) (DriveUploadInfo, bool) {
	sorted := append([]DriveUploadInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FillRatio() < sorted[j].FillRatio()
	})
	return b.firstFit(sorted, size)
}

func (b *Balancer) firstFit(sorted []DriveUploadInfo, size int64) (DriveUploadInfo, bool) {
	for _, d := range sorted {
		if d.CanFitWithBuffer(size, b.buffer) {
			return d, true
		}
	}
	return DriveUploadInfo{}, false
}

// UsageStats is an aggregate overview of several accounts
type UsageStats struct {
	TotalAccounts  int     `json:"total_accounts"`
	TotalSpace     int64   `json:"total_space"`
	UsedSpace      int64   `json:"used_space"`
	AvailableSpace int64   `json:"available_space"`
	UsagePercent   float64 `json:"usage_percent"`
}

// GetUsageStats returns usage statistics for accounts
func GetUsageStats(infos []DriveUploadInfo) UsageStats {
	stats := UsageStats{TotalAccounts: len(infos)}
	for _, d := range infos {
		stats.TotalSpace += d.TotalBytes
		stats.UsedSpace += d.UsedBytes
		// accounts with an unknown total report unlimited space
		if d.TotalBytes > 0 {
			stats.AvailableSpace += d.RemainingBytes
		}
	}
	if stats.TotalSpace > 0 {
		stats.UsagePercent = float64(stats.UsedSpace) / float64(stats.TotalSpace) * 100
	}
	return stats
}
