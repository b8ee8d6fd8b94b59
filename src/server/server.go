// Package server implements the HTTP interface for triggering and watching builds.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/op/go-logging.v1"

	"github.com/lightbuildserver/lbs/src/core"
	"github.com/lightbuildserver/lbs/src/deps"
	"github.com/lightbuildserver/lbs/src/pool"
	"github.com/lightbuildserver/lbs/src/scheduler"
)

var log = logging.MustGetLogger("server")

// A Machines reports the state of the build machines.
type Machines interface {
	Snapshot() []pool.Machine
}

// Logs gives access to stored build logs.
type Logs interface {
	Load(target core.BuildTarget, number int) (string, error)
	Latest(target core.BuildTarget) int
}

// Server serves the trigger and status endpoints.
type Server struct {
	scheduler *scheduler.Scheduler
	machines  Machines
	logs      Logs
	mux       *http.ServeMux
}

// New creates a new Server. The metrics handler is mounted on /metrics if it is not nil.
func New(s *scheduler.Scheduler, machines Machines, logs Logs, metrics http.Handler) *Server {
	srv := &Server{scheduler: s, machines: machines, logs: logs, mux: http.NewServeMux()}
	srv.mux.HandleFunc("/triggerbuild/", srv.triggerBuild)
	srv.mux.HandleFunc("/triggerproject/", srv.triggerProject)
	srv.mux.HandleFunc("/cancelplannedbuild/", srv.cancelPlannedBuild)
	srv.mux.HandleFunc("/livelog/", srv.liveLog)
	srv.mux.HandleFunc("/logs/", srv.storedLog)
	srv.mux.HandleFunc("/machines", srv.listMachines)
	srv.mux.HandleFunc("/queue", srv.listQueue)
	if metrics != nil {
		srv.mux.Handle("/metrics", metrics)
	}
	return srv
}

// ServeHTTP implements the http.Handler interface.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mux.ServeHTTP(w, r)
}

// Serve serves on the given port until the context is cancelled.
func (srv *Server) Serve(ctx context.Context, port int) error {
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()
	log.Notice("Serving on http://127.0.0.1:%d", port)
	if err := s.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// target parses the build target from the remainder of a request path.
func target(w http.ResponseWriter, r *http.Request, prefix string) (core.BuildTarget, bool) {
	t, err := core.ParseBuildTarget(strings.TrimPrefix(r.URL.Path, prefix))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return t, false
	}
	return t, true
}

func (srv *Server) triggerBuild(w http.ResponseWriter, r *http.Request) {
	t, ok := target(w, r, "/triggerbuild/")
	if !ok {
		return
	}
	dependsOn := srv.scheduler.DependsOn(t.Owner, t.Project)
	if !srv.scheduler.Enqueue(t, dependsOn) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"planned": false, "message": t.String() + " is already planned or building"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"planned": true, "message": "planned " + t.String()})
}

func (srv *Server) triggerProject(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/triggerproject/"), "/"), "/")
	if len(parts) != 6 {
		http.Error(w, "expected /triggerproject/<owner>/<project>/<branch>/<distro>/<release>/<arch>", http.StatusBadRequest)
		return
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			http.Error(w, "invalid path component "+part, http.StatusBadRequest)
			return
		}
	}
	planned, err := srv.scheduler.TriggerProjectBuild(r.Context(), parts[0], parts[1], parts[2], parts[3], parts[4], parts[5])
	if err != nil {
		log.Warning("Failed to trigger build of %s: %s", strings.Join(parts, "/"), err)
		status := http.StatusBadGateway
		if _, ok := err.(*deps.CycleError); ok {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	names := make([]string, len(planned))
	for i, t := range planned {
		names[i] = t.String()
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"planned": names})
}

func (srv *Server) cancelPlannedBuild(w http.ResponseWriter, r *http.Request) {
	t, ok := target(w, r, "/cancelplannedbuild/")
	if !ok {
		return
	}
	if !srv.scheduler.CancelPlannedBuild(t) {
		http.Error(w, t.String()+" is not planned", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": t.String()})
}

func (srv *Server) liveLog(w http.ResponseWriter, r *http.Request) {
	t, ok := target(w, r, "/livelog/")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, srv.scheduler.LiveLog(t))
}

// storedLog serves /logs/<target>/<number>, where number may be "latest".
func (srv *Server) storedLog(w http.ResponseWriter, r *http.Request) {
	dir, num := path.Split(strings.TrimRight(r.URL.Path, "/"))
	t, err := core.ParseBuildTarget(strings.TrimPrefix(dir, "/logs/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := srv.logs.Latest(t)
	if num != "latest" {
		if n, err = strconv.Atoi(num); err != nil || n <= 0 {
			http.Error(w, "invalid build number "+num, http.StatusBadRequest)
			return
		}
	}
	contents, err := srv.logs.Load(t, n)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, fmt.Sprintf("no build %d of %s", n, t), http.StatusNotFound)
		return
	} else if err != nil {
		log.Error("Failed to load log %d of %s: %s", n, t, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(contents))
}

type machineStatus struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Target   string `json:"target,omitempty"`
	Since    string `json:"since"`
}

func (srv *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines := srv.machines.Snapshot()
	ret := make([]machineStatus, len(machines))
	for i, m := range machines {
		ret[i] = machineStatus{
			Name:     m.Name,
			Status:   m.Status.String(),
			Enabled:  m.Enabled,
			Priority: m.Priority,
			Since:    humanize.Time(m.Since),
		}
		if !m.Target.IsEmpty() {
			ret[i].Target = m.Target.String()
		}
	}
	writeJSON(w, http.StatusOK, ret)
}

type queueStatus struct {
	Planned  []string `json:"planned"`
	Building []string `json:"building"`
	Finished []string `json:"finished"`
}

func (srv *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	status := queueStatus{Planned: []string{}, Building: []string{}, Finished: []string{}}
	for _, e := range srv.scheduler.Pending() {
		status.Planned = append(status.Planned, e.Target.String())
	}
	for _, a := range srv.scheduler.Active() {
		status.Building = append(status.Building, a.String())
	}
	for _, f := range srv.scheduler.Finished() {
		status.Finished = append(status.Finished, f.String())
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warning("Failed to write response: %s", err)
	}
}
