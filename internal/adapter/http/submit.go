package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/ProbeCore/internal/domain/task"
)

// startFunc launches a task from decoded parameters.
type startFunc[P any] func(ctx context.Context, p P) (task.Task, error)

// handleSubmit decodes a JSON body into P and hands it to start. The
// response is 202 with the new task's identity.
func handleSubmit[P any](w http.ResponseWriter, r *http.Request, start startFunc[P]) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var p P
	if !decodeInto(w, body, &p) {
		return
	}
	submitted(w, r, p, start)
}

func submitted[P any](w http.ResponseWriter, r *http.Request, p P, start startFunc[P]) {
	t, err := start(r.Context(), p)
	if err != nil {
		writeDomainError(w, err, "task rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:        t.ID,
		Status:        t.Status,
		OperationType: t.Kind,
	})
}
