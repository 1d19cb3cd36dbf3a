package server

// Request payloads

type LoginRequest struct {
	Username string `json:"username" minLength:"1"`
	Password string `json:"password"`
}

type ReservationRequest struct {
	UserID     string `json:"user_id" minLength:"1"`
	TargetDate string `json:"target_date" example:"2025-10-01T12:00:00"`
	Duration   int    `json:"duration" example:"60"`
}

type StatusOverrideRequest struct {
	Status string  `json:"status" minLength:"1" example:"paused"`
	Result *string `json:"result,omitempty"`
}

// Response payloads

type LoginResponse struct {
	UserID string `json:"user_id"`
}

type AvailableCourtsResponse struct {
	AvailableCourts []string `json:"available_courts"`
}

type StartTaskResponse struct {
	TaskID string `json:"task_id"`
}

type TaskStatusResponse struct {
	Status string  `json:"status"`
	Result *string `json:"result,omitempty"`
}

type TaskEntry struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Result *string `json:"result,omitempty"`
}

type AllProgressTasksResponse struct {
	ProgressTasks []TaskEntry `json:"progress_tasks"`
	PendingTasks  []TaskEntry `json:"pending_tasks"`
	DoneTasks     []TaskEntry `json:"done_tasks"`
}

func entryFrom(v taskView) TaskEntry {
	return TaskEntry{ID: v.ID, Status: v.Status, Result: v.Result}
}
