package decompose

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/captain/internal/domain"
)

func capabilities(calls []domain.Call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Capability
	}
	return names
}

func TestBuiltinTypesRegistered(t *testing.T) {
	assert.Equal(t, []string{
		TypeAnalyzeAttendance,
		TypeRecordAttendance,
		TypeSendReminder,
		TypeTeamOverview,
		TypeUpdateEvent,
		TypeUploadSchedule,
	}, DefaultTable.Types())
}

func TestDecomposeBuiltins(t *testing.T) {
	tests := []struct {
		reqType string
		params  string
		want    []string
	}{
		{TypeUploadSchedule, `{"team_id":"t1","schedule_content":"date,opponent\n2025-03-01,Hawks"}`, []string{CapParseSchedule}},
		{TypeUpdateEvent, `{"event_id":"e1","team_id":"t1","title":"Practice","date":"2025-03-01","time":"18:00","location":"Field 2"}`, []string{CapUpdateEvent}},
		{TypeSendReminder, `{"team_id":"t1","message":"Game at 6","recipients":["p1","p2"]}`, []string{CapGetScheduleEvents, CapAttendanceReport}},
		{TypeRecordAttendance, `{"team_id":"t1","records":[{"player_id":"p1","event_id":"e1","status":"present"},{"player_id":"p2","event_id":"e1","status":"late"}]}`, []string{CapRecordAttendance, CapRecordAttendance}},
		{TypeAnalyzeAttendance, `{"team_id":"t1","player_ids":["p1"]}`, []string{CapAnalyzePatterns, CapAttendanceReport}},
		{TypeTeamOverview, `{"team_id":"t1","date_range":"2025-03"}`, []string{CapGetScheduleEvents, CapAttendanceReport, CapAnalyzePatterns}},
	}
	for _, tt := range tests {
		t.Run(tt.reqType, func(t *testing.T) {
			calls, err := DefaultTable.Decompose(domain.Request{Type: tt.reqType, Params: json.RawMessage(tt.params)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, capabilities(calls))
		})
	}
}

func TestRecordAttendanceCarriesTeamID(t *testing.T) {
	calls, err := DefaultTable.Decompose(domain.Request{
		Type:   TypeRecordAttendance,
		Params: json.RawMessage(`{"team_id":"t1","records":[{"player_id":"p1","event_id":"e1","status":"absent"}]}`),
	})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"player_id":"p1","event_id":"e1","status":"absent","team_id":"t1"}`, string(calls[0].Payload))
}

func TestSendReminderCarriesMessageAndRecipients(t *testing.T) {
	calls, err := DefaultTable.Decompose(domain.Request{
		Type:   TypeSendReminder,
		Params: json.RawMessage(`{"team_id":"t1","message":"Game at 6","recipients":["p1","p2"],"date_range":"2025-03"}`),
	})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"team_id":"t1","date_range":"2025-03","reminder":{"message":"Game at 6","recipients":["p1","p2"]}}`, string(calls[0].Payload))
	assert.JSONEq(t, `{"team_id":"t1","reminder":{"message":"Game at 6","recipients":["p1","p2"]}}`, string(calls[1].Payload))
}

func TestUploadScheduleDefaultsFormat(t *testing.T) {
	calls, err := DefaultTable.Decompose(domain.Request{
		Type:   TypeUploadSchedule,
		Params: json.RawMessage(`{"team_id":"t1","schedule_content":"x"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"team_id":"t1","schedule_content":"x","format":"auto"}`, string(calls[0].Payload))
}

func TestDecomposeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.Request
		reason  string
		issueOn string
	}{
		{"missing type", domain.Request{Params: json.RawMessage(`{}`)}, "request type is required", ""},
		{"unknown type", domain.Request{Type: "order_pizza", Params: json.RawMessage(`{}`)}, "unknown request type", ""},
		{"not json", domain.Request{Type: TypeTeamOverview, Params: json.RawMessage(`{team`)}, "not valid JSON", ""},
		{"missing field", domain.Request{Type: TypeTeamOverview, Params: json.RawMessage(`{}`)}, "invalid params", "team_id"},
		{"bad enum", domain.Request{Type: TypeRecordAttendance, Params: json.RawMessage(`{"team_id":"t1","records":[{"player_id":"p1","event_id":"e1","status":"maybe"}]}`)}, "invalid params", "/records/0/status"},
		{"empty records", domain.Request{Type: TypeRecordAttendance, Params: json.RawMessage(`{"team_id":"t1","records":[]}`)}, "invalid params", "/records"},
		{"unexpected field", domain.Request{Type: TypeTeamOverview, Params: json.RawMessage(`{"team_id":"t1","color":"red"}`)}, "invalid params", "color"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefaultTable.Decompose(tt.req)
			var malformed *domain.MalformedRequestError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Contains(t, malformed.Reason, tt.reason)
			if tt.issueOn != "" {
				require.NotEmpty(t, malformed.Issues)
				joined := ""
				for _, issue := range malformed.Issues {
					joined += issue + "\n"
				}
				assert.Contains(t, joined, tt.issueOn)
			}
		})
	}
}

func TestCustomStrategyWithoutSchema(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("ping", func(json.RawMessage) ([]domain.Call, error) {
		return []domain.Call{{Capability: "ping"}}, nil
	}))
	assert.Error(t, table.Register("ping", func(json.RawMessage) ([]domain.Call, error) { return nil, nil }))
	assert.Error(t, table.Register("", func(json.RawMessage) ([]domain.Call, error) { return nil, nil }))

	calls, err := table.Decompose(domain.Request{Type: "ping"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, capabilities(calls))

	_, err = table.Decompose(domain.Request{Type: "ping", Params: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
}

func TestStrategyProducingNoCalls(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Register("noop", func(json.RawMessage) ([]domain.Call, error) { return nil, nil }))

	_, err := table.Decompose(domain.Request{Type: "noop"})
	assert.Equal(t, domain.CodeMalformedRequest, domain.CodeOf(err))
}
