// Package api serves the admin HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/blockdns/blocklist"
	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/semihalev/zlog/v2"
)

// API type
type API struct {
	addr      string
	token     string
	staticDir string
	router    *chi.Mux

	blocklist *blocklist.BlockList
	cache     *cache.Cache
	ring      *instrumentation.Ring
}

// New return new api listening on the address cfg selects for mode
func New(cfg *config.Config, mode config.Mode, bl *blocklist.BlockList, c *cache.Cache, ring *instrumentation.Ring) *API {
	a := &API{
		addr:      cfg.APIAddr(mode),
		token:     cfg.APIToken,
		staticDir: cfg.StaticDir,
		router:    chi.NewRouter(),
		blocklist: bl,
		cache:     c,
		ring:      ring,
	}

	a.routes()

	return a
}

func (a *API) routes() {
	a.router.Use(middleware.Recoverer)
	a.router.Use(requestLogger)

	// /api/1 is the path the dashboard uses, /api/v1 is an alias
	a.router.Route("/api/1", a.v1)
	a.router.Route("/api/v1", a.v1)

	a.router.Handle("/metrics", promhttp.Handler())

	if a.staticDir != "" {
		if fi, err := os.Stat(a.staticDir); err == nil && fi.IsDir() {
			a.router.Handle("/*", http.FileServer(http.Dir(a.staticDir)))
		} else {
			zlog.Warn("Static directory not found, dashboard disabled", "path", a.staticDir)
		}
	}
}

func (a *API) v1(r chi.Router) {
	if a.token != "" {
		r.Use(bearerAuth(a.token))
	}

	r.Get("/cache", a.getCache)
	r.Get("/filter-statistics", a.getFilterStatistics)
	r.Get("/instrumentation", a.getInstrumentation)
	r.Get("/allowed-domains", a.getAllowedDomains)
	r.Post("/allowed-domains", a.postAllowedDomain)

	r.Route("/block", func(r chi.Router) {
		r.Get("/exists/{key}", a.existsBlock)
		r.Get("/set/{key}", a.setBlock)
		r.Get("/remove/{key}", a.removeBlock)
	})

	r.Get("/purge/{qname}/{qtype}", a.purge)
}

// Handler returns the API router.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) getCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Json{
		"stats":   a.cache.Stats(),
		"entries": a.cache.Snapshot(),
	})
}

func (a *API) getFilterStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.blocklist.Statistics())
}

func (a *API) getInstrumentation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ring.Snapshot())
}

func (a *API) getAllowedDomains(w http.ResponseWriter, r *http.Request) {
	allowed := a.blocklist.Allowed()
	if allowed == nil {
		allowed = []string{}
	}
	writeJSON(w, http.StatusOK, allowed)
}

type domain struct {
	Name string `json:"name"`
}

func (a *API) postAllowedDomain(w http.ResponseWriter, r *http.Request) {
	var d domain
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.blocklist.AddAllowed(d.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	zlog.Info("Allowed domain added", "name", d.Name)

	writeJSON(w, http.StatusOK, Json{})
}

func (a *API) existsBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Json{"exists": a.blocklist.Exists(chi.URLParam(r, "key"))})
}

func (a *API) setBlock(w http.ResponseWriter, r *http.Request) {
	if err := a.blocklist.Set(chi.URLParam(r, "key")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, Json{"success": true})
}

func (a *API) removeBlock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.blocklist.Remove(key) {
		writeError(w, http.StatusNotFound, key+" not found")
		return
	}
	writeJSON(w, http.StatusOK, Json{"success": true})
}

func (a *API) purge(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "qname")
	qtype, ok := dns.StringToType[strings.ToUpper(chi.URLParam(r, "qtype"))]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown qtype")
		return
	}
	if !dnswire.ValidName(qname) {
		writeError(w, http.StatusBadRequest, "invalid name")
		return
	}

	a.cache.Remove(cache.NewKey(dnswire.Question{
		Name:  qname,
		Type:  dnswire.Type(qtype),
		Class: dnswire.ClassINET,
	}))

	writeJSON(w, http.StatusOK, Json{"success": true})
}

// Run serves the API until ctx is done. It returns nil at once when no
// address is configured.
func (a *API) Run(ctx context.Context) error {
	if a.addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	zlog.Info("API server listening...", "addr", a.addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		zlog.Error("Start API server failed", "error", err.Error())
		return err
	case <-ctx.Done():
	}

	zlog.Info("API server stopping...", "addr", a.addr)

	apiCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(apiCtx); err != nil {
		zlog.Error("Shutdown API server failed", "error", err.Error())
		return err
	}

	return nil
}
