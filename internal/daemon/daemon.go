// Package daemon is the source-side read API. It exposes the site's
// database and file tree over authenticated HTTP so a destination can pull
// a migration. Every endpoint is read-only with respect to the site.
package daemon

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/lherron/siteporter/internal/bundle"
	"github.com/lherron/siteporter/internal/chunk"
	"github.com/lherron/siteporter/internal/cursor"
	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/paths"
	"github.com/lherron/siteporter/internal/source"
)

// Options configures the siteporterd daemon.
type Options struct {
	Addr        string
	DBPath      string
	SiteRoot    string
	BaseURL     string
	TablePrefix string
	Secret      string
	ChunkBytes  int64
	Excludes    paths.ExcludeRules
	// AllowedOrigins lists the origins the handshake echoes back; anything
	// else is silently omitted from the response.
	AllowedOrigins []string
	Version        string
	Log            *logrus.Logger
}

// maxBatchPaths bounds one archive-batch request.
const maxBatchPaths = 500

// Serve starts the source daemon and blocks until the listener fails.
func Serve(opts Options) error {
	if opts.Secret == "" {
		return fmt.Errorf("refusing to serve without a shared secret")
	}
	if opts.SiteRoot == "" {
		return fmt.Errorf("site root required")
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = chunk.DefaultSize
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	database, err := db.Open(opts.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	s := &server{
		db:   database,
		opts: opts,
		log:  opts.Log,
	}

	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:7373"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.log.WithFields(logrus.Fields{"addr": addr, "site_root": opts.SiteRoot}).Info("siteporterd listening")
	return httpServer.ListenAndServe()
}

type server struct {
	db   *db.DB
	opts Options
	log  *logrus.Logger
}

// handler builds the daemon's HTTP handler without binding a listener.
func (s *server) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.withAuth)
	r.Post("/handshake", s.handleHandshake)
	r.Get("/scan/manifest", s.handleManifest)
	r.Get("/scan/database", s.handleDatabase)
	r.Get("/stream/schema", s.handleSchema)
	r.Get("/stream/rows", s.handleRows)
	r.Get("/stream/file", s.handleFile)
	r.Get("/stream/batch", s.handleBatch)
	return r
}

func (s *server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(source.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Secret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{
		"message": err.Error(),
	})
}

func (s *server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	info := domain.SourceInfo{
		Version:     s.opts.Version,
		SiteURL:     s.opts.BaseURL,
		TablePrefix: s.opts.TablePrefix,
	}
	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		info.Origin = origin
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *server) originAllowed(origin string) bool {
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *server) handleManifest(w http.ResponseWriter, r *http.Request) {
	entries, err := s.buildManifest()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": entries,
		"count": len(entries),
	})
}

// buildManifest walks the site root, applies the exclude rules, and marks
// files at or above the chunk threshold for the streaming transport.
func (s *server) buildManifest() ([]domain.ManifestEntry, error) {
	rules := s.opts.Excludes
	if len(rules.PathPrefixes) == 0 && len(rules.Extensions) == 0 && len(rules.Names) == 0 {
		rules = paths.DefaultExcludes()
	}

	var entries []domain.ManifestEntry
	root := s.opts.SiteRoot
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rules.Excluded(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, domain.ManifestEntry{
			RelativePath: rel,
			SizeBytes:    info.Size(),
			ModTime:      info.ModTime().Unix(),
			IsLarge:      info.Size() >= s.opts.ChunkBytes,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk site root: %w", err)
	}
	return entries, nil
}

func (s *server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	infos, err := s.db.ListTables()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	tables := make([]domain.Table, 0, len(infos))
	for _, info := range infos {
		tables = append(tables, domain.Table{
			SourceName: info.Name,
			RowCount:   info.RowCount,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tables": tables,
		"count":  len(tables),
	})
}

// checkTable rejects table names the scan did not produce. This is the
// only guard between a query parameter and SQL identifiers.
func (s *server) checkTable(name string) error {
	if name == "" {
		return fmt.Errorf("table required")
	}
	infos, err := s.db.ListTables()
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Name == name {
			return nil
		}
	}
	return fmt.Errorf("unknown table %q", name)
}

func (s *server) handleSchema(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if err := s.checkTable(table); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	schema, err := s.db.SchemaSQL(table)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":  table,
		"schema": schema,
	})
}

func (s *server) handleRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := q.Get("table")
	if err := s.checkTable(table); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	batchSize := 500
	if raw := q.Get("batch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 5000 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid batch size %q", raw))
			return
		}
		batchSize = n
	}

	pager := cursor.NewPager(s.db)
	var cur *cursor.Cursor
	var err error
	if raw := q.Get("cursor"); raw != "" {
		cur, err = cursor.Decode(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		cur, err = pager.Start(table)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	rows, next, hasMore, err := pager.Page(table, cur, batchSize)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	nextEncoded := ""
	if hasMore {
		nextEncoded, err = next.Encode()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, domain.RowBatch{
		Table:      table,
		Rows:       rows,
		NextCursor: nextEncoded,
		HasMore:    hasMore,
	})
}

func (s *server) handleFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rel := q.Get("path")
	start, err := strconv.ParseInt(q.Get("start"), 10, 64)
	if err != nil || start < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start offset"))
		return
	}
	end, err := strconv.ParseInt(q.Get("end"), 10, 64)
	if err != nil || end <= start {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end offset"))
		return
	}

	c, err := chunk.Read(s.opts.SiteRoot, rel, start, end)
	if err != nil {
		var pv *domain.PathViolationError
		if errors.As(err, &pv) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("files")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("files required"))
		return
	}
	var relPaths []string
	if err := json.Unmarshal([]byte(raw), &relPaths); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid files list: %w", err))
		return
	}
	if len(relPaths) == 0 || len(relPaths) > maxBatchPaths {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("files list must contain 1 to %d paths", maxBatchPaths))
		return
	}

	archive, err := bundle.Create(s.opts.SiteRoot, relPaths)
	if err != nil {
		var pv *domain.PathViolationError
		if errors.As(err, &pv) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"archive": base64.StdEncoding.EncodeToString(archive),
		"count":   len(relPaths),
	})
}
