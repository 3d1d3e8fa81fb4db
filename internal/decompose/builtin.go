package decompose

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/captain/internal/domain"
)

// Request types handled out of the box.
const (
	TypeUploadSchedule    = "upload_schedule"
	TypeUpdateEvent       = "update_event"
	TypeSendReminder      = "send_reminder"
	TypeRecordAttendance  = "record_attendance"
	TypeAnalyzeAttendance = "analyze_attendance"
	TypeTeamOverview      = "team_overview"
)

// Capabilities invoked by the built-in request types.
const (
	CapParseSchedule     = "parse-schedule"
	CapGetScheduleEvents = "get-schedule-events"
	CapUpdateEvent       = "update-schedule-event"
	CapRecordAttendance  = "record-attendance"
	CapAttendanceReport  = "get-attendance-report"
	CapAnalyzePatterns   = "analyze-attendance-patterns"
)

type uploadScheduleParams struct {
	TeamID          string `json:"team_id"`
	ScheduleContent string `json:"schedule_content"`
	Format          string `json:"format,omitempty"`
}

type scheduleEvent struct {
	EventID  string `json:"event_id"`
	TeamID   string `json:"team_id"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Location string `json:"location"`
}

type reminderParams struct {
	TeamID     string   `json:"team_id"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
	DateRange  string   `json:"date_range,omitempty"`
}

type reminder struct {
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
}

// reminderQuery scopes a schedule or report lookup to the reminder being sent.
type reminderQuery struct {
	TeamID    string   `json:"team_id"`
	DateRange string   `json:"date_range,omitempty"`
	Reminder  reminder `json:"reminder"`
}

type attendanceRecord struct {
	PlayerID  string `json:"player_id"`
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
	TeamID    string `json:"team_id"`
}

type recordAttendanceParams struct {
	TeamID  string             `json:"team_id"`
	Records []attendanceRecord `json:"records"`
}

type analysisParams struct {
	TeamID    string   `json:"team_id"`
	DateRange string   `json:"date_range,omitempty"`
	PlayerIDs []string `json:"player_ids,omitempty"`
}

type teamQuery struct {
	TeamID    string `json:"team_id"`
	DateRange string `json:"date_range,omitempty"`
}

func init() {
	MustRegister(TypeUploadSchedule, func(params json.RawMessage) ([]domain.Call, error) {
		var p uploadScheduleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		if p.Format == "" {
			p.Format = "auto"
		}
		return calls(call(CapParseSchedule, p))
	})

	MustRegister(TypeUpdateEvent, func(params json.RawMessage) ([]domain.Call, error) {
		var p scheduleEvent
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		return calls(call(CapUpdateEvent, p))
	})

	MustRegister(TypeSendReminder, func(params json.RawMessage) ([]domain.Call, error) {
		var p reminderParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		r := reminder{Message: p.Message, Recipients: p.Recipients}
		return calls(
			call(CapGetScheduleEvents, reminderQuery{TeamID: p.TeamID, DateRange: p.DateRange, Reminder: r}),
			call(CapAttendanceReport, reminderQuery{TeamID: p.TeamID, Reminder: r}),
		)
	})

	MustRegister(TypeRecordAttendance, func(params json.RawMessage) ([]domain.Call, error) {
		var p recordAttendanceParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		pending := make([]pendingCall, len(p.Records))
		for i, r := range p.Records {
			r.TeamID = p.TeamID
			pending[i] = call(CapRecordAttendance, r)
		}
		return calls(pending...)
	})

	MustRegister(TypeAnalyzeAttendance, func(params json.RawMessage) ([]domain.Call, error) {
		var p analysisParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		return calls(
			call(CapAnalyzePatterns, p),
			call(CapAttendanceReport, teamQuery{TeamID: p.TeamID}),
		)
	})

	MustRegister(TypeTeamOverview, func(params json.RawMessage) ([]domain.Call, error) {
		var p teamQuery
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		return calls(
			call(CapGetScheduleEvents, p),
			call(CapAttendanceReport, teamQuery{TeamID: p.TeamID}),
			call(CapAnalyzePatterns, analysisParams{TeamID: p.TeamID, DateRange: p.DateRange}),
		)
	})
}

type pendingCall struct {
	capability string
	payload    any
}

func call(capability string, payload any) pendingCall {
	return pendingCall{capability: capability, payload: payload}
}

func calls(pending ...pendingCall) ([]domain.Call, error) {
	out := make([]domain.Call, len(pending))
	for i, p := range pending {
		b, err := json.Marshal(p.payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", p.capability, err)
		}
		out[i] = domain.Call{Capability: p.capability, Payload: b}
	}
	return out, nil
}
