package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/routeros-fleet/controlplane/internal/auth"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
	"github.com/routeros-fleet/controlplane/internal/log"
)

// HandlerFunc is a tool body. It receives the already-extracted identity
// and the raw JSON arguments. The router does not authorize; each body
// calls the authorization gate itself before doing its work.
type HandlerFunc func(ctx context.Context, user auth.User, args json.RawMessage) *Result

// Tool pairs a descriptor with its body.
type Tool struct {
	Descriptor auth.ToolDescriptor
	Handle     HandlerFunc
}

// Registry is the set of tools the HTTP surface exposes.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Descriptor.Name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// NewRouter mounts POST /v1/tools/{tool}. Every response is a Result
// envelope; failures never leak secrets or stack frames.
func NewRouter(registry *Registry, extractor *auth.IdentityExtractor, logger *log.PrefixLogger) chi.Router {
	if logger == nil {
		logger = log.NewPrefixLogger("mcptool")
	}
	r := chi.NewRouter()
	r.Post("/v1/tools/{tool}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "tool")

		bearer := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if bearer == "" || bearer == req.Header.Get("Authorization") {
			writeResult(w, http.StatusUnauthorized, Failf(ccerrors.AuthN, "missing bearer token"))
			return
		}
		user, err := extractor.Extract(req.Context(), bearer)
		if err != nil {
			writeResult(w, http.StatusUnauthorized, Failf(ccerrors.AuthN, "invalid bearer token"))
			return
		}

		tool, ok := registry.Get(name)
		if !ok {
			writeResult(w, http.StatusNotFound, Failf(ccerrors.Validation, "unknown tool: "+name))
			return
		}

		var args json.RawMessage
		if err := json.NewDecoder(req.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
			writeResult(w, http.StatusBadRequest, Failf(ccerrors.Validation, "request body is not valid JSON"))
			return
		}

		res := tool.Handle(req.Context(), user, args)
		if res == nil {
			res = Failf(ccerrors.Validation, "tool returned no result")
		}
		writeResult(w, http.StatusOK, res)
	})
	return r
}

func writeResult(w http.ResponseWriter, status int, res *Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
