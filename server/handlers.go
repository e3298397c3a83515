package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/store/artifact"
	"github.com/FyraLabs/subatomic-ng/store/pkgdb"
	"github.com/FyraLabs/subatomic-ng/telemetry"
)

// errBadRequest marks malformed input that never reached the store.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "health")
	storage := "ok"
	if !s.guard.healthy() {
		storage = "unavailable"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "storage": storage})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "get")
	telemetry.SetEndpoint(r, "rpm")

	var p *pkgdb.Package
	err := s.guard.do(r.Context(), func(ctx context.Context) error {
		var err error
		p, err = s.store.Get(ctx, r.PathValue("id"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetAvailable(available bool) http.HandlerFunc {
	op := "disable"
	if available {
		op = "enable"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetOp(r, op)
		telemetry.SetEndpoint(r, "rpm_available")

		opts, err := mutationOptions(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var p *pkgdb.Package
		err = s.guard.do(r.Context(), func(ctx context.Context) error {
			var err error
			p, err = s.store.SetAvailable(ctx, r.PathValue("id"), available, opts...)
			return err
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "list")
	telemetry.SetEndpoint(r, "rpms")

	q := r.URL.Query()
	f := pkgdb.Filter{
		Name: q.Get("name"),
		Arch: q.Get("arch"),
		Tag:  q.Get("tag"),
	}
	if v := q.Get("object_key"); v != "" {
		key, err := subatomic.ParseObjectKey(v)
		if err != nil {
			s.writeError(w, r, badRequest("object_key: %v", err))
			return
		}
		f.ObjectKey = key
	}
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, badRequest("available: %q is not a boolean", v))
			return
		}
		f.Available = &b
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	var pkgs []*pkgdb.Package
	err = s.guard.do(r.Context(), func(ctx context.Context) error {
		var err error
		pkgs, err = s.store.List(ctx, f)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pkgs == nil {
		pkgs = []*pkgdb.Package{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "create")
	telemetry.SetEndpoint(r, "rpms")

	opts, err := mutationOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var p pkgdb.Package
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		s.writeError(w, r, badRequest("decoding package: %v", err))
		return
	}

	s.create(w, r, p, opts)
}

// handleUpload stores the request body as an artifact and creates the
// package record that references it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "upload")
	telemetry.SetEndpoint(r, "rpm_upload")

	if s.uploader == nil {
		s.writeError(w, r, fmt.Errorf("%w: uploads are not configured", pkgdb.ErrStorageUnavailable))
		return
	}

	q := r.URL.Query()
	p := pkgdb.Package{
		ID:      q.Get("id"),
		Name:    q.Get("name"),
		Version: q.Get("version"),
		Release: q.Get("release"),
		Arch:    q.Get("arch"),
		Tag:     q.Get("tag"),
	}
	if v := q.Get("epoch"); v != "" {
		epoch, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			s.writeError(w, r, badRequest("epoch: %q is not a 32-bit unsigned integer", v))
			return
		}
		p.Epoch = uint32(epoch)
	}
	if v := q.Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, badRequest("available: %q is not a boolean", v))
			return
		}
		p.Available = b
	}
	opts, err := mutationOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := io.Reader(r.Body)
	if s.config.MaxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	}
	res, err := s.uploader.Put(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ObjectKey = res.Key

	s.create(w, r, p, opts)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, p pkgdb.Package, opts []pkgdb.MutationOption) {
	var created *pkgdb.Package
	err := s.guard.do(r.Context(), func(ctx context.Context) error {
		var err error
		created, err = s.store.Create(ctx, p, opts...)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/rpm/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// handleDownload streams the artifact of a package.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "download")
	telemetry.SetEndpoint(r, "rpm_download")

	if s.uploader == nil {
		s.writeError(w, r, fmt.Errorf("%w: artifact storage is not configured", pkgdb.ErrStorageUnavailable))
		return
	}

	var p *pkgdb.Package
	err := s.guard.do(r.Context(), func(ctx context.Context) error {
		var err error
		p, err = s.store.Get(ctx, r.PathValue("id"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rc, err := s.uploader.Get(r.Context(), p.ObjectKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/x-rpm")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Filename()))
	w.Header().Set("ETag", strconv.Quote(p.ObjectKey.String()))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WarnContext(r.Context(), "artifact download interrupted", "id", p.ID, "error", err)
	}
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "list_audit")
	telemetry.SetEndpoint(r, "audit")

	q := r.URL.Query()
	f := audit.Filter{
		Action:    audit.Action(q.Get("action")),
		PackageID: q.Get("package_id"),
	}
	if f.Action != "" {
		if err := f.Action.Validate(); err != nil {
			s.writeError(w, r, badRequest("action: %v", err))
			return
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	var entries []audit.Entry
	err = s.guard.do(r.Context(), func(ctx context.Context) error {
		var err error
		entries, err = s.store.ListAudit(ctx, f)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetOp(r, "verify_audit")
	telemetry.SetEndpoint(r, "audit_verify")

	err := s.guard.do(r.Context(), s.store.VerifyAudit)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
	case errors.Is(err, audit.ErrChainBroken):
		telemetry.SetOutcome(r, "chain_broken")
		s.logger.ErrorContext(r.Context(), "audit chain verification failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
	default:
		s.writeError(w, r, err)
	}
}

func mutationOptions(r *http.Request) ([]pkgdb.MutationOption, error) {
	v := r.URL.Query().Get("latest")
	if v == "" {
		return nil, nil
	}
	latest, err := strconv.ParseBool(v)
	if err != nil {
		return nil, badRequest("latest: %q is not a boolean", v)
	}
	if !latest {
		return nil, nil
	}
	return []pkgdb.MutationOption{pkgdb.MarkLatest()}, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("limit: %q is not a non-negative integer", v)
	}
	return n, nil
}

// statusFor maps an error onto the HTTP status and a short outcome label.
func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, pkgdb.ErrInvalidPackage),
		errors.Is(err, audit.ErrInvalidEntry), errors.Is(err, artifact.ErrEmpty):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, pkgdb.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pkgdb.ErrDuplicateIdentity):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, pkgdb.ErrTransactionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, artifact.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, pkgdb.ErrStorageUnavailable), errors.Is(err, errBreakerOpen):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, outcome := statusFor(err)
	telemetry.SetOutcome(r, outcome)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "error", err)
		msg = http.StatusText(status)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, map[string]string{"error": msg, "outcome": outcome})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
