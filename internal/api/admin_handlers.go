package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{"version": s.app.Version()})
}

// handleListTasks returns the names of the registered job tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.JobManager().TaskNames())
}

// handleRunAdminJob starts a registered task as a new job owned by the
// calling admin and returns the generated job id, which the caller can
// subscribe to over the gateway.
func (s *Server) handleRunAdminJob(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r)

	var payload struct {
		TaskName string `json:"task_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	jobID, err := s.app.JobManager().Run(payload.TaskName, s.app, user.ID)
	if err != nil {
		RespondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Task '" + payload.TaskName + "' started.",
		"job_id":  jobID,
	})
}

func (s *Server) handleGetAdminJobsStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.app.JobManager().GetStatus()
	RespondWithJSON(w, http.StatusOK, statuses)
}
