package relayserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/protocol/api"
	"murmur/internal/protocol/wire"
)

const maxBodyBytes = 1 << 20

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathRegister, s.limited(s.handleRegister))
	mux.HandleFunc("POST "+api.PathAuthenticate, s.limited(s.handleAuthenticate))
	mux.HandleFunc("GET "+api.PathUsers+"/{handle}", s.handleLookup)
	mux.HandleFunc("GET "+api.PathUsers, s.handleSearch)
	mux.HandleFunc("POST "+api.PathMessages, s.authed(s.handleSend))
	mux.HandleFunc("GET "+api.PathPending, s.authed(s.handlePending))
	mux.HandleFunc("GET "+api.PathObjects, s.authed(s.handleListObjects))
	mux.HandleFunc("PUT "+api.PathObjects+"/{key...}", s.authed(s.handlePutObject))
	mux.HandleFunc("GET "+api.PathObjects+"/{key...}", s.authed(s.handleGetObject))
	mux.HandleFunc("DELETE "+api.PathObjects+"/{key...}", s.authed(s.handleDeleteObject))
	mux.HandleFunc("GET "+api.PathSocket, s.serveSocket)
	mux.Handle("GET "+api.PathMetrics, s.metrics.handler())
	mux.HandleFunc("GET "+api.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, h domain.Handle)

// authed resolves the bearer token to a handle.
func (s *Server) authed(next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			s.writeError(w, domain.ErrNotAuthenticated)
			return
		}
		h, err := s.sessions.Validate(strings.TrimSpace(token))
		if err != nil {
			s.metrics.authFailures.Inc()
			s.writeError(w, err)
			return
		}
		next(w, r, h)
	}
}

// limited applies the per-remote limiter to credential endpoints.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authLimiter.Allow(remoteHost(r), s.now()) {
			s.metrics.rateLimited.WithLabelValues("auth").Inc()
			s.writeError(w, domain.ErrRateLimited)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg domain.Registration
	if err := decodeBody(r, &reg); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.accounts.Register(reg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.WithField("handle", res.Handle).Info("account registered")
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := decodeBody(r, &creds); err != nil {
		s.writeError(w, err)
		return
	}
	h, err := s.accounts.Verify(creds)
	if err != nil {
		s.metrics.authFailures.Inc()
		s.writeError(w, err)
		return
	}
	sess, err := s.sessions.Issue(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	h := domain.NormalizeHandle(r.PathValue("handle"))
	acct, err := s.accounts.Lookup(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.peer(s.registry.Online(h)))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	found, err := s.accounts.Search(r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	users := make([]domain.PeerRecord, 0, len(found))
	for _, a := range found {
		users = append(users, a.peer(s.registry.Online(a.Handle)))
	}
	writeJSON(w, http.StatusOK, api.UsersResponse{Users: users})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, from domain.Handle) {
	var m wire.Message
	if err := decodeBody(r, &m); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.route(from, m)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SendMessageResponse{MessageID: m.ID, Status: status})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request, h domain.Handle) {
	msgs := s.registry.DrainMessages(h)
	if msgs == nil {
		msgs = []wire.Message{}
	}
	writeJSON(w, http.StatusOK, api.PendingResponse{Messages: msgs})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, h domain.Handle) {
	objs, err := s.objects.List(h, r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ObjectsResponse{Objects: objs})
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, h domain.Handle) {
	var req api.PutObjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	obj, err := s.objects.Put(h, r.PathValue("key"), req.Blob)
	if err != nil {
		s.writeError(w, err)
		return
	}
	obj.Blob = nil
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, h domain.Handle) {
	obj, err := s.objects.Get(h, r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, h domain.Handle) {
	if err := s.objects.Delete(h, r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	resp := api.Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			status = http.StatusInternalServerError
			resp = api.Response{Error: &api.ErrorBody{Code: api.CodeInternal, Message: "encode response"}}
		} else {
			resp.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := api.Code(err)
	if errors.Is(err, errForbidden) {
		code = api.CodeForbidden
	}
	msg := err.Error()
	if code == api.CodeInternal {
		s.log.WithError(err).Error("request failed")
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(api.Status(code))
	_ = json.NewEncoder(w).Encode(api.Response{Error: &api.ErrorBody{Code: code, Message: msg}})
}

// statusRecorder captures the response code for the access log. It passes
// Hijack through so the socket upgrade still works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		_, pattern := s.mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.requests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   remoteHost(r),
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start),
		}).Debug("request")
	})
}
