package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xuecangming/multidrive/internal/api/handlers"
	"github.com/xuecangming/multidrive/internal/common/types"
	"github.com/xuecangming/multidrive/internal/core/clock"
	"github.com/xuecangming/multidrive/internal/core/loadbalancer"
	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/core/progress"
	"github.com/xuecangming/multidrive/internal/core/scheduler"
	"github.com/xuecangming/multidrive/internal/infrastructure/storage"
	"github.com/xuecangming/multidrive/internal/infrastructure/vault"
	"github.com/xuecangming/multidrive/internal/remote"
	"github.com/xuecangming/multidrive/internal/remote/remotetest"
	"github.com/xuecangming/multidrive/internal/repository"
	"github.com/xuecangming/multidrive/internal/service/account"
	"github.com/xuecangming/multidrive/internal/service/task"
)

type apiFixture struct {
	ts     *httptest.Server
	server *Server
	tasks  *task.Service
	vault  *vault.Vault
	big    *remotetest.Fake
	small  *remotetest.Fake
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		big:   remotetest.New(types.ProviderOneDrive),
		small: remotetest.New(types.ProviderS3),
	}
	f.big.Total, f.big.UsedBase = 100<<20, 10<<20
	f.small.Total, f.small.UsedBase = 10<<20, 5<<20

	reg := remote.NewRegistry()
	reg.Register("big", f.big)
	reg.Register("small", f.small)

	cfg := &types.Config{}
	cfg.Server.APIPrefix = "/api/v1"

	accounts := account.NewService(repository.NewConfigAccountRepository([]types.StorageAccount{
		{ID: "big", Name: "Big", ClientSecret: "s3cret", AccessToken: "tok"},
		{ID: "small", Name: "Small", Provider: types.ProviderS3},
	}), reg, account.Options{
		Logger:        logger.NewNop(),
		VirtualDrives: []types.VirtualDriveConfig{{ID: "pool", Accounts: []string{"big", "small"}}},
	})
	quotas := loadbalancer.NewQuotaCache(accounts.Quota, time.Minute, clock.Real{}, logger.NewNop())
	balancer := loadbalancer.NewBalancer(0)

	fs := memfs.New()
	f.vault = vault.New(fs, "/.vault/salt", "/.vault/work")
	tasks, err := task.NewService(task.Config{
		Accounts:  accounts,
		Local:     storage.NewLocalStorageFS(fs),
		Vault:     f.vault,
		Quotas:    quotas,
		Balancer:  balancer,
		Scheduler: scheduler.Config{GlobalLimit: 2, PerAccountLimit: 1},
		Progress:  progress.Config{TaskInterval: time.Millisecond, FlushInterval: time.Millisecond},
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)
	f.tasks = tasks

	server := NewServer(Dependencies{
		Config:   cfg,
		Accounts: accounts,
		Tasks:    tasks,
		Quotas:   quotas,
		Balancer: balancer,
		Vault:    f.vault,
		Logger:   logger.NewNop(),
	})
	f.server = server
	f.ts = httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Close()
		f.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+"/api/v1"+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createFolderBody(id, accountID, name string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"type":       types.TaskTypeCreateFolder,
		"account_id": accountID,
		"payload":    map[string]interface{}{"parent_id": remotetest.RootID, "name": name},
	}
}

func waitTask(t *testing.T, f *apiFixture, id string, status types.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(id)
		return err == nil && got.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_TaskLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/tasks", createFolderBody("t1", "big", "docs"))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "t1", body["id"])
	waitTask(t, f, "t1", types.TaskStatusCompleted)

	code, body = f.do(t, http.MethodGet, "/tasks/t1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(types.TaskStatusCompleted), body["status"])

	code, body = f.do(t, http.MethodPost, "/tasks/t1/pause", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", body["error"].(map[string]interface{})["code"])

	code, _ = f.do(t, http.MethodGet, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/tasks?status=completed", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tasks"], 1)

	code, body = f.do(t, http.MethodDelete, "/tasks/finished", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["removed"])
}

func TestServer_CreateRejectsBadTasks(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/tasks", map[string]interface{}{"type": "teleport", "payload": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, body = f.do(t, http.MethodPost, "/tasks/batch", map[string]interface{}{
		"tasks": []interface{}{
			createFolderBody("b1", "big", "one"),
			map[string]interface{}{"id": "b2", "type": types.TaskTypeDelete, "payload": map[string]interface{}{}},
		},
	})
	require.Equal(t, http.StatusOK, code)
	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Nil(t, results[0].(map[string]interface{})["error"])
	assert.NotEmpty(t, results[1].(map[string]interface{})["error"])
}

func TestServer_Limits(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/limits", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, body["global_limit"])

	code, body = f.do(t, http.MethodPut, "/limits", map[string]int{"global_limit": 10, "per_account_limit": 4})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4.0, body["per_account_limit"])

	code, _ = f.do(t, http.MethodPut, "/limits", map[string]int{"global_limit": 21, "per_account_limit": 4})
	assert.Equal(t, http.StatusBadRequest, code)
	g, p := f.tasks.Limits()
	assert.Equal(t, 10, g)
	assert.Equal(t, 4, p)
}

func TestServer_DestinationAndSpace(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/drives/pool/destination?size=1024", nil)
	require.Equal(t, http.StatusOK, code, body)
	selected := body["selected"].([]interface{})
	require.Len(t, selected, 1)
	assert.Equal(t, "big", selected[0].(map[string]interface{})["account_id"])

	code, body = f.do(t, http.MethodGet, "/drives/pool/destination?size=1024&strategy=lowest_fill_percentage", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "big", body["selected"].([]interface{})[0].(map[string]interface{})["account_id"])

	code, body = f.do(t, http.MethodGet, "/drives/pool/destination?size=1024&strategy=manual&accounts=small,ghost", nil)
	assert.Equal(t, http.StatusInsufficientStorage, code, body)

	code, _ = f.do(t, http.MethodGet, "/drives/pool/destination?size=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodGet, "/drives/missing/destination?size=1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/space", nil)
	require.Equal(t, http.StatusOK, code)
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, 2.0, stats["total_accounts"])
	assert.Equal(t, float64(110<<20), stats["total_space"])
}

func TestServer_AccountsAreRedacted(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/accounts/big", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["client_secret"])
	assert.Empty(t, body["access_token"])

	code, body = f.do(t, http.MethodGet, "/accounts", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["accounts"], 2)

	code, body = f.do(t, http.MethodPost, "/accounts/small/sync", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10<<20), body["total_space"])
}

func TestServer_HealthWithoutDatabase(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code, body)
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "disabled", components["database"].(map[string]interface{})["status"])
	assert.Equal(t, "healthy", components["accounts"].(map[string]interface{})["status"])
}

func TestServer_VaultUnlockAndLock(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodGet, "/vault", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, false, body["unlocked"])

	code, body = f.do(t, http.MethodPost, "/vault/unlock", map[string]string{"password": ""})
	assert.Equal(t, http.StatusBadRequest, code, body)
	assert.False(t, f.vault.Unlocked())

	code, body = f.do(t, http.MethodPost, "/vault/unlock", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["unlocked"])
	assert.True(t, f.vault.Unlocked())

	code, body = f.do(t, http.MethodPost, "/vault/lock", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["unlocked"])
	assert.False(t, f.vault.Unlocked())
}

func TestServer_VaultDisabled(t *testing.T) {
	h := handlers.NewVaultHandler(nil)

	rec := httptest.NewRecorder()
	h.Unlock(rec, httptest.NewRequest(http.MethodPost, "/vault/unlock", strings.NewReader(`{"password":"x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/vault", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false,"unlocked":false}`, rec.Body.String())
}

func TestServer_EventsStreamProgress(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.server.events.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	code, _ := f.do(t, http.MethodPost, "/tasks", createFolderBody("ws1", "big", "streamed"))
	require.Equal(t, http.StatusCreated, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Type string            `json:"type"`
			Data []progress.Update `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "progress", msg.Type)
		for _, u := range msg.Data {
			if u.TaskID == "ws1" && u.Final {
				assert.Equal(t, types.TaskStatusCompleted, u.Status)
				assert.Equal(t, 1.0, u.Progress)
				return
			}
		}
	}
}
