// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package admissiond

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/admission/admission"
	"go.gearno.de/admission/httpserver"
	"go.gearno.de/admission/identity"
	"go.gearno.de/admission/policy"
)

type (
	task struct {
		ID        int       `json:"id"`
		Title     string    `json:"title"`
		CreatedAt time.Time `json:"created_at"`
	}

	taskList struct {
		mu    sync.Mutex
		tasks []task
	}
)

const (
	// HeaderAuthenticatedUser and HeaderAuthenticatedRole are set by
	// the authenticating proxy in front of the service.
	HeaderAuthenticatedUser = "X-Authenticated-User"
	HeaderAuthenticatedRole = "X-Authenticated-Role"
)

// NewRouter returns the demo API guarded by m.
func NewRouter(m *admission.Middleware) http.Handler {
	var (
		router = chi.NewRouter()
		tasks  = &taskList{}
	)

	router.Use(authenticate)
	router.Use(m.Handler)

	router.Get("/api/tasks", tasks.list)
	router.Post("/api/tasks", tasks.create)
	router.Get("/api/tasks/{id}", tasks.get)
	router.Post("/api/auth/login", login)

	return router
}

// authenticate trusts the subject forwarded by the upstream
// authentication layer.
func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get(HeaderAuthenticatedUser); id != "" {
				subject := identity.Subject{
					ID:   id,
					Role: policy.Role(r.Header.Get(HeaderAuthenticatedRole)),
				}

				r = r.WithContext(identity.WithSubject(r.Context(), subject))
			}

			next.ServeHTTP(w, r)
		},
	)
}

func (l *taskList) list(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	tasks := append([]task{}, l.tasks...)
	l.mu.Unlock()

	httpserver.RenderJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (l *taskList) create(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		title = "untitled"
	}

	l.mu.Lock()
	t := task{ID: len(l.tasks) + 1, Title: title, CreatedAt: time.Now()}
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()

	httpserver.RenderJSON(w, http.StatusCreated, t)
}

func (l *taskList) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.tasks {
		if id == strconv.Itoa(t.ID) {
			httpserver.RenderJSON(w, http.StatusOK, t)
			return
		}
	}

	httpserver.RenderJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
}

func login(w http.ResponseWriter, r *http.Request) {
	httpserver.RenderJSON(w, http.StatusOK, map[string]bool{"success": true})
}
