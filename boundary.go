package main

import (
	"fmt"
	"html/template"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// BoundaryView is everything the redirect page needs to render one outcome.
type BoundaryView struct {
	Status    int
	Title     string
	Message   string
	SignInURL string
	Trace     string
	Username  string
}

// BoundaryViewFor maps an outcome to its page. Only the error kind decides
// the copy.
func BoundaryViewFor(o ExchangeOutcome, loginURL string) BoundaryView {
	switch o.Kind {
	case OutcomeCompleted:
		return BoundaryView{
			Status:   http.StatusOK,
			Title:    "Signed in",
			Message:  "You can close this tab and return to Timecard.",
			Username: o.Principal.Username,
		}
	case OutcomeMissingCode:
		return BoundaryView{
			Status:  http.StatusBadRequest,
			Title:   "Missing code",
			Message: "missing code",
		}
	}

	if o.Err == nil {
		return BoundaryView{Status: http.StatusInternalServerError, Title: "An unexpected error occurred"}
	}
	switch o.Err.Kind {
	case KindInvalidCode:
		return BoundaryView{
			Status:    http.StatusBadRequest,
			Title:     o.Err.Kind.Title(),
			Message:   "This code/page is invalid. Please sign in again.",
			SignInURL: loginURL,
		}
	default:
		return BoundaryView{
			Status:  http.StatusBadGateway,
			Title:   "An unexpected error occurred",
			Message: o.Err.Kind.Title(),
			Trace:   o.Err.Error(),
		}
	}
}

// PanicView is the diagnostic page for a failure nobody tagged.
func PanicView(v any, stack []byte) BoundaryView {
	return BoundaryView{
		Status:  http.StatusInternalServerError,
		Title:   "An unexpected error occurred",
		Message: "The sign-in page failed to render.",
		Trace:   fmt.Sprintf("%v\n\n%s", v, stack),
	}
}

var boundaryTemplate = template.Must(template.New("boundary").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Timecard PRO | {{.Title}}</title></head>
<body>
<main>
<h1>{{.Title}}</h1>
{{if .Username}}<p>Welcome, <b>{{.Username}}</b>.</p>{{end}}
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .SignInURL}}<p><a href="{{.SignInURL}}">Sign In</a></p>{{end}}
{{if .Trace}}<details><summary>See Stack Trace</summary><pre>{{.Trace}}</pre></details>{{end}}
</main>
</body>
</html>
`))

func renderBoundary(w http.ResponseWriter, v BoundaryView) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(v.Status)
	return boundaryTemplate.Execute(w, v)
}

// Boundary contains panics raised while serving the routes it wraps. Other
// routes keep working and the visitor sees a diagnostic page, never an empty
// response.
func Boundary(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				stack := debug.Stack()
				log.Error("redirect page panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", stack),
				)
				if err := renderBoundary(w, PanicView(rec, stack)); err != nil {
					log.Warn("render boundary", zap.Error(err))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
