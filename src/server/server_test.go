package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbuildserver/lbs/src/buildlog"
	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/deps"
	"github.com/lightbuildserver/lbs/src/pool"
	"github.com/lightbuildserver/lbs/src/remote"
	"github.com/lightbuildserver/lbs/src/scheduler"
)

func newServer(t *testing.T, pkgs []deps.Package, loadErr error) (*Server, *scheduler.Scheduler) {
	config := core.DefaultConfiguration()
	config.Machine["build01"] = &core.MachineConfig{Type: core.BackendDocker, Cid: 1, Priority: core.DefaultMachinePriority}
	p := pool.New(config, func(spec remote.MachineSpec, out io.Writer) (remote.Container, error) {
		return nil, fmt.Errorf("no containers here")
	})
	launch := func(lease pool.Lease) (scheduler.Job, error) {
		return nil, fmt.Errorf("not launching anything")
	}
	load := func(ctx context.Context, owner, project, branch, distro string) ([]deps.Package, error) {
		return pkgs, loadErr
	}
	s := scheduler.New(config, p, launch, load)
	return New(s, p, buildlog.NewStore(t.TempDir(), 20, 5), nil), s
}

func get(t *testing.T, srv *Server, path string, v interface{}) int {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestTriggerBuild(t *testing.T) {
	srv, s := newServer(t, nil, nil)
	var resp map[string]interface{}
	assert.Equal(t, http.StatusAccepted, get(t, srv, "/triggerbuild/alice/mono/mono-core/master/fedora/39/amd64", &resp))
	assert.Equal(t, true, resp["planned"])
	assert.Equal(t, http.StatusOK, get(t, srv, "/triggerbuild/alice/mono/mono-core/master/fedora/39/amd64", &resp))
	assert.Equal(t, false, resp["planned"])
	assert.Len(t, s.Pending(), 1)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/triggerbuild/alice/mono", nil))
}

func TestTriggerProject(t *testing.T) {
	srv, s := newServer(t, []deps.Package{{Name: "mono-core"}, {Name: "mono-extras", Requires: []string{"mono-core"}}}, nil)
	var resp map[string][]string
	assert.Equal(t, http.StatusAccepted, get(t, srv, "/triggerproject/alice/mono/master/fedora/39/amd64", &resp))
	assert.Equal(t, []string{
		"alice/mono/mono-core/master/fedora/39/amd64",
		"alice/mono/mono-extras/master/fedora/39/amd64",
	}, resp["planned"])
	assert.Len(t, s.Pending(), 2)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/triggerproject/alice/mono/master", nil))
}

func TestTriggerProjectCycle(t *testing.T) {
	srv, s := newServer(t, []deps.Package{{Name: "a", Requires: []string{"b"}}, {Name: "b", Requires: []string{"a"}}}, nil)
	assert.Equal(t, http.StatusConflict, get(t, srv, "/triggerproject/alice/mono/master/fedora/39/amd64", nil))
	assert.Empty(t, s.Pending())
}

func TestTriggerProjectLoadFailure(t *testing.T) {
	srv, _ := newServer(t, nil, fmt.Errorf("404"))
	assert.Equal(t, http.StatusBadGateway, get(t, srv, "/triggerproject/alice/mono/master/fedora/39/amd64", nil))
}

func TestCancelPlannedBuild(t *testing.T) {
	srv, s := newServer(t, nil, nil)
	get(t, srv, "/triggerbuild/alice/mono/mono-core/master/fedora/39/amd64", nil)
	assert.Equal(t, http.StatusOK, get(t, srv, "/cancelplannedbuild/alice/mono/mono-core/master/fedora/39/amd64", nil))
	assert.Empty(t, s.Pending())
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/cancelplannedbuild/alice/mono/mono-core/master/fedora/39/amd64", nil))
}

func TestLiveLog(t *testing.T) {
	srv, _ := newServer(t, nil, nil)
	var ll scheduler.LiveLog
	assert.Equal(t, http.StatusOK, get(t, srv, "/livelog/alice/mono/mono-core/master/fedora/39/amd64", &ll))
	assert.Equal(t, scheduler.StatusUnknown, ll.Status)
	assert.False(t, ll.Poll)

	get(t, srv, "/triggerbuild/alice/mono/mono-core/master/fedora/39/amd64", nil)
	assert.Equal(t, http.StatusOK, get(t, srv, "/livelog/alice/mono/mono-core/master/fedora/39/amd64", &ll))
	assert.Equal(t, scheduler.StatusPlanned, ll.Status)
	assert.True(t, ll.Poll)
}

func TestMachinesAndQueue(t *testing.T) {
	srv, _ := newServer(t, nil, nil)
	var machines []machineStatus
	assert.Equal(t, http.StatusOK, get(t, srv, "/machines", &machines))
	require.Len(t, machines, 1)
	assert.Equal(t, "build01", machines[0].Name)
	assert.Equal(t, "available", machines[0].Status)
	assert.Empty(t, machines[0].Target)

	get(t, srv, "/triggerbuild/alice/mono/mono-core/master/fedora/39/amd64", nil)
	var queue queueStatus
	assert.Equal(t, http.StatusOK, get(t, srv, "/queue", &queue))
	assert.Equal(t, []string{"alice/mono/mono-core/master/fedora/39/amd64"}, queue.Planned)
	assert.Empty(t, queue.Building)
}

func TestTriggerProjectRejectsRelativeParts(t *testing.T) {
	srv, _ := newServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/triggerproject/alice/mono/master/fedora/39/amd64", nil)
	req.URL.Path = "/triggerproject/alice/../master/fedora/39/amd64"
	rec := httptest.NewRecorder()
	srv.triggerProject(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoredLog(t *testing.T) {
	srv, _ := newServer(t, nil, nil)
	target := core.BuildTarget{Owner: "alice", Project: "mono", Package: "mono-core", Branch: "master", Distro: "fedora", Release: "39", Arch: "amd64"}
	store := srv.logs.(*buildlog.Store)
	_, err := store.Save(target, "first\n")
	require.NoError(t, err)
	n, err := store.Save(target, "second\n")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	fetch := func(path string) (int, string) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code, rec.Body.String()
	}
	code, body := fetch("/logs/alice/mono/mono-core/master/fedora/39/amd64/1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "first\n", body)
	code, body = fetch("/logs/alice/mono/mono-core/master/fedora/39/amd64/latest")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "second\n", body)
	code, _ = fetch("/logs/alice/mono/mono-core/master/fedora/39/amd64/3")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = fetch("/logs/alice/mono/mono-core/master/fedora/39/amd64/x")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = fetch("/logs/alice/mono/latest")
	assert.Equal(t, http.StatusBadRequest, code)

	// The link sent in notification mails points here.
	link := buildlog.LogURL("http://lbs.example.com", target, 2)
	code, body = fetch(strings.TrimPrefix(link, "http://lbs.example.com"))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "second\n", body)
}
