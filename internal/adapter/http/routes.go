package http

import "github.com/go-chi/chi/v5"

// MountRoutes registers the REST API on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/move", func(r chi.Router) {
			r.Post("/absolute", h.MoveAbsolute)
			r.Post("/relative", h.MoveRelative)
			r.Post("/stop", h.StopAxis)
			r.Post("/emergency-stop", h.EmergencyStop)
		})

		r.Post("/angle-adjustment/execute", h.AngleAdjustment)
		r.Post("/alignment/flat/execute", h.FlatAlignment)
		r.Post("/alignment/focus/execute", h.FocusAlignment)
		r.Post("/profile/measure", h.ProfileMeasure)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Get("/current", h.CurrentTask)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/cancel", h.CancelTask)
		})

		r.Get("/positions", h.ListPositions)
		r.Get("/positions/{axis}", h.Position)
		r.Route("/servo", func(r chi.Router) {
			r.Post("/{axis}/on", h.ServoOn)
			r.Post("/{axis}/off", h.ServoOff)
			r.Post("/wait_ready", h.WaitReady)
			r.Post("/batch/on", h.ServoBatchOn)
			r.Post("/batch/off", h.ServoBatchOff)
			r.Post("/batch/wait_ready", h.WaitReadyBatch)
		})

		r.Route("/io", func(r chi.Router) {
			r.Post("/digital/output", h.SetDigitalOutput)
			r.Get("/digital/output/{channel}", h.DigitalOutput)
			r.Get("/analog/input/{channel}", h.AnalogInput)
		})

		r.Get("/connection/status", h.ConnectionStatus)
	})
}
