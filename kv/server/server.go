// Package server exposes an engine over HTTP: status, metrics, recent changes and the structural operations on
// catalogs.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinycatalog/kv/cdc"
	"github.com/pingcap-incubator/tinycatalog/kv/engine"
	"github.com/pingcap-incubator/tinycatalog/kv/model"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server faces outwards: it serves the engine's catalogs to operators and monitoring.
type Server struct {
	engine  *engine.Engine
	rd      *render.Render
	started time.Time
}

func NewServer(e *engine.Engine) *Server {
	return &Server{
		engine:  e,
		rd:      render.New(render.Options{IndentJSON: true}),
		started: time.Now(),
	}
}

// Handler routes every endpoint of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.status).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/changes", s.changes).Methods("GET")

	r.HandleFunc("/catalogs", s.listCatalogs).Methods("GET")
	r.HandleFunc("/catalogs", s.createCatalog).Methods("POST")
	r.HandleFunc("/catalogs/{name}", s.getCatalog).Methods("GET")
	r.HandleFunc("/catalogs/{name}", s.removeCatalog).Methods("DELETE")
	r.HandleFunc("/catalogs/{name}/rename", s.renameCatalog).Methods("POST")
	r.HandleFunc("/catalogs/{name}/replace", s.replaceCatalog).Methods("POST")
	r.HandleFunc("/catalogs/{name}/go-live", s.goLive).Methods("POST")
	r.HandleFunc("/catalogs/{name}/entities/{type}/{pk:[0-9]+}", s.getEntity).Methods("GET")
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.WithStack(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.WithStack(srv.Shutdown(shutdownCtx))
}

type statusInfo struct {
	Uptime   string `json:"uptime"`
	Catalogs int    `json:"catalogs"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, statusInfo{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Catalogs: len(s.engine.Catalogs()),
	})
}

// changes lists the kept captures after the since token, filtered by the catalog, area and entityType query
// parameters.
func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.rd.JSON(w, http.StatusBadRequest, err.Error())
			return
		}
		since = n
	}
	filter := cdc.Filter{Catalog: q.Get("catalog"), EntityType: q.Get("entityType")}
	for _, a := range q["area"] {
		filter.Areas = append(filter.Areas, cdc.Area(a))
	}
	captures, err := s.engine.Changes().Since(filter, since)
	if err == cdc.ErrTokenTooOld {
		s.rd.JSON(w, http.StatusGone, err.Error())
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if captures == nil {
		captures = []cdc.Capture{}
	}
	s.rd.JSON(w, http.StatusOK, captures)
}

func (s *Server) listCatalogs(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, s.engine.Catalogs())
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, info := range s.engine.Catalogs() {
		if info.Name == name {
			s.rd.JSON(w, http.StatusOK, info)
			return
		}
	}
	s.fail(w, model.NewCatalogNotFoundError(name))
}

type nameInput struct {
	Name string `json:"name"`
}

func (s *Server) readName(w http.ResponseWriter, r *http.Request) (string, bool) {
	var input nameInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.rd.JSON(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if input.Name == "" {
		s.rd.JSON(w, http.StatusBadRequest, "name must not be empty")
		return "", false
	}
	return input.Name, true
}

func (s *Server) createCatalog(w http.ResponseWriter, r *http.Request) {
	name, ok := s.readName(w, r)
	if !ok {
		return
	}
	if _, err := s.engine.CreateCatalog(name); err != nil {
		s.fail(w, err)
		return
	}
	s.rd.JSON(w, http.StatusCreated, nil)
}

func (s *Server) removeCatalog(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveCatalog(mux.Vars(r)["name"]); err != nil {
		s.fail(w, err)
		return
	}
	s.rd.JSON(w, http.StatusOK, nil)
}

func (s *Server) renameCatalog(w http.ResponseWriter, r *http.Request) {
	newName, ok := s.readName(w, r)
	if !ok {
		return
	}
	if err := s.engine.RenameCatalog(mux.Vars(r)["name"], newName); err != nil {
		s.fail(w, err)
		return
	}
	s.rd.JSON(w, http.StatusOK, nil)
}

// replaceCatalog moves the catalog in the path under the name in the body.
func (s *Server) replaceCatalog(w http.ResponseWriter, r *http.Request) {
	target, ok := s.readName(w, r)
	if !ok {
		return
	}
	if err := s.engine.ReplaceCatalog(mux.Vars(r)["name"], target); err != nil {
		s.fail(w, err)
		return
	}
	s.rd.JSON(w, http.StatusOK, nil)
}

func (s *Server) goLive(w http.ResponseWriter, r *http.Request) {
	f := s.engine.GoLive(mux.Vars(r)["name"])
	select {
	case <-f.Done():
	case <-r.Context().Done():
		s.rd.JSON(w, http.StatusAccepted, f.Progress())
		return
	}
	if err := f.Wait(); err != nil {
		s.fail(w, err)
		return
	}
	s.rd.JSON(w, http.StatusOK, nil)
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pk, err := strconv.Atoi(vars["pk"])
	if err != nil {
		s.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.engine.CreateSession(vars["name"], 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer sess.Close()
	entity, err := sess.GetEntity(vars["type"], pk)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entity == nil {
		s.rd.JSON(w, http.StatusNotFound, "entity not found")
		return
	}
	s.rd.JSON(w, http.StatusOK, entity)
}

func statusOf(err error) int {
	if _, ok := errors.Cause(err).(*model.CatalogNotFoundError); ok {
		return http.StatusNotFound
	}
	if _, ok := errors.Cause(err).(*model.CollectionNotFoundError); ok {
		return http.StatusNotFound
	}
	switch model.ClassOf(err) {
	case model.ClassValidation:
		return http.StatusBadRequest
	case model.ClassConsistency, model.ClassConcurrency:
		return http.StatusConflict
	case model.ClassCorruption:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	s.rd.JSON(w, code, err.Error())
}
