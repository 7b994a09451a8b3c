package soar

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

// TaskStatus is the state of a manual task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskCompleted = errors.New("task already completed")
)

// Task is a manual step handed to an operator
type Task struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id"`
	PlaybookID  string     `json:"playbook_id"`
	Action      string     `json:"action"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
}

var taskDescriptions = map[string]string{
	"analyze_logs":            "Analyze system logs for additional indicators of compromise",
	"update_firewall":         "Update firewall rules to prevent similar attacks",
	"isolate_database":        "Isolate affected database servers from the network",
	"forensic_analysis":       "Perform a forensic analysis of the affected systems",
	"incident_response":       "Initiate the full incident response procedure",
	"preserve_evidence":       "Preserve digital evidence for the investigation",
	"compliance_notification": "Notify regulatory bodies as required",
	"manual_investigation":    "Conduct a manual investigation of the incident",
}

// taskPriority maps incident severity onto operator task urgency
func taskPriority(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical:
		return "urgent"
	case model.SeverityHigh:
		return "high"
	case model.SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

func describeTask(action string) string {
	if d, ok := taskDescriptions[action]; ok {
		return d
	}
	return fmt.Sprintf("Perform manual action: %s", action)
}

// TaskList holds manual tasks created by playbook execution
type TaskList struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	max   int
}

// NewTaskList creates a task list. Once max tasks are held, the oldest
// completed task is dropped to make room.
func NewTaskList(max int) *TaskList {
	return &TaskList{tasks: make(map[string]*Task), max: max}
}

func (l *TaskList) create(incidentID, playbookID, action string, sev model.Severity, now time.Time) *Task {
	t := &Task{
		ID:          uuid.NewString(),
		IncidentID:  incidentID,
		PlaybookID:  playbookID,
		Action:      action,
		Description: describeTask(action),
		Priority:    taskPriority(sev),
		Status:      TaskPending,
		CreatedAt:   now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && len(l.tasks) >= l.max {
		l.evictLocked()
	}
	l.tasks[t.ID] = t
	return t
}

func (l *TaskList) evictLocked() {
	var oldest *Task
	for _, t := range l.tasks {
		if t.Status != TaskCompleted {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest != nil {
		delete(l.tasks, oldest.ID)
	}
}

// List returns tasks newest first, optionally only those with status
func (l *TaskList) List(status TaskStatus) []Task {
	l.mu.RLock()
	out := make([]Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Complete marks a pending task done
func (l *TaskList) Complete(id, by string, now time.Time) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == TaskCompleted {
		return *t, fmt.Errorf("%w: %s", ErrTaskCompleted, id)
	}
	t.Status = TaskCompleted
	t.CompletedAt = &now
	t.CompletedBy = by
	return *t, nil
}
