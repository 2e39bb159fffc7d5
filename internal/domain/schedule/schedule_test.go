package schedule_test

import (
	"testing"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/schedule"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		spec    string
		want    schedule.Cron
		weekday time.Weekday
		wantErr bool
	}{
		{spec: "hourly", want: schedule.Cron{Hourly: true}},
		{spec: "hourly:15", want: schedule.Cron{Hourly: true, Minute: 15}},
		{spec: "daily", want: schedule.Cron{}},
		{spec: "02:00", want: schedule.Cron{Hour: 2}},
		{spec: "daily:14:30", want: schedule.Cron{Hour: 14, Minute: 30}},
		{spec: "weekly", weekday: time.Monday},
		{spec: "weekly:Fri", weekday: time.Friday},
		{spec: "weekly:monday:03:00", want: schedule.Cron{Hour: 3}, weekday: time.Monday},
		{spec: "", wantErr: true},
		{spec: "every_hour", wantErr: true},
		{spec: "hourly:60", wantErr: true},
		{spec: "24:00", wantErr: true},
		{spec: "weekly:Fun", wantErr: true},
		{spec: "weekly:monx", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			c, err := schedule.ParseCron(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", c)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Hourly != tt.want.Hourly || c.Hour != tt.want.Hour || c.Minute != tt.want.Minute {
				t.Errorf("got %+v, want %+v", c, tt.want)
			}
			isWeekly := tt.spec == "weekly" || len(tt.spec) > 7 && tt.spec[:7] == "weekly:"
			switch {
			case isWeekly && (c.Weekday == nil || *c.Weekday != tt.weekday):
				t.Errorf("weekday = %v, want %v", c.Weekday, tt.weekday)
			case !isWeekly && c.Weekday != nil:
				t.Errorf("weekday = %v, want nil", *c.Weekday)
			}
		})
	}
}

func TestCronNextAfter(t *testing.T) {
	// Wednesday 2026-02-25 10:30 UTC
	base := time.Date(2026, 2, 25, 10, 30, 0, 0, time.UTC)
	fri := time.Friday
	wed := time.Wednesday

	tests := []struct {
		name string
		cron schedule.Cron
		want time.Time
	}{
		{"hourly later this hour", schedule.Cron{Hourly: true, Minute: 45}, time.Date(2026, 2, 25, 10, 45, 0, 0, time.UTC)},
		{"hourly slot passed", schedule.Cron{Hourly: true, Minute: 30}, time.Date(2026, 2, 25, 11, 30, 0, 0, time.UTC)},
		{"daily later today", schedule.Cron{Hour: 14}, time.Date(2026, 2, 25, 14, 0, 0, 0, time.UTC)},
		{"daily tomorrow", schedule.Cron{Hour: 2}, time.Date(2026, 2, 26, 2, 0, 0, 0, time.UTC)},
		{"weekly friday", schedule.Cron{Hour: 9, Weekday: &fri}, time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)},
		{"weekly same day passed", schedule.Cron{Hour: 9, Weekday: &wed}, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cron.NextAfter(base); !got.Equal(tt.want) {
				t.Errorf("NextAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobNext_Interval(t *testing.T) {
	j := schedule.Job{Trigger: schedule.TriggerInterval, Spec: "1h"}
	prev := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	n, err := j.Next(prev, prev.Add(time.Minute))
	if err != nil || n == nil || !n.Equal(prev.Add(time.Hour)) {
		t.Fatalf("on time: next = %v, err = %v", n, err)
	}

	// A worker that was down for 3.5h fires once and resumes on the grid.
	n, err = j.Next(prev, prev.Add(3*time.Hour+30*time.Minute))
	if err != nil || n == nil || !n.Equal(prev.Add(4*time.Hour)) {
		t.Errorf("catch-up: next = %v, err = %v", n, err)
	}
}

func TestJobFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	date := schedule.Job{Trigger: schedule.TriggerDate, Spec: "2026-03-02T10:00:00Z"}
	n, err := date.First(now)
	if err != nil || n == nil || !n.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("future date: %v, %v", n, err)
	}
	if n, err := date.Next(*n, *n); err != nil || n != nil {
		t.Errorf("a date trigger fires once, next = %v", n)
	}

	past := schedule.Job{Trigger: schedule.TriggerDate, Spec: "2026-02-01T00:00:00Z"}
	if n, err := past.First(now); err != nil || n != nil {
		t.Errorf("past date: %v, %v", n, err)
	}

	interval := schedule.Job{Trigger: schedule.TriggerInterval, Spec: "15m"}
	if n, _ := interval.First(now); n == nil || !n.Equal(now.Add(15*time.Minute)) {
		t.Errorf("interval first = %v", n)
	}

	cron := schedule.Job{Trigger: schedule.TriggerCron, Spec: "daily:09:00"}
	if n, _ := cron.First(now); n == nil || !n.Equal(now.Add(time.Hour)) {
		t.Errorf("cron first = %v", n)
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     schedule.CreateRequest
		wantErr bool
	}{
		{"valid cron", schedule.CreateRequest{Name: "backup", ToolID: "backup_notes", Trigger: "cron", Spec: "02:00"}, false},
		{"valid interval", schedule.CreateRequest{Name: "rss", ToolID: "fetch_rss", Trigger: "interval", Spec: "1h"}, false},
		{"valid date", schedule.CreateRequest{Name: "once", ToolID: "cleanup", Trigger: "date", Spec: "2026-01-23T10:00:00Z"}, false},
		{"missing name", schedule.CreateRequest{ToolID: "x", Trigger: "cron", Spec: "daily"}, true},
		{"missing tool", schedule.CreateRequest{Name: "x", Trigger: "cron", Spec: "daily"}, true},
		{"unknown trigger", schedule.CreateRequest{Name: "x", ToolID: "x", Trigger: "rrule", Spec: "daily"}, true},
		{"interval too short", schedule.CreateRequest{Name: "x", ToolID: "x", Trigger: "interval", Spec: "10s"}, true},
		{"bad date", schedule.CreateRequest{Name: "x", ToolID: "x", Trigger: "date", Spec: "tomorrow"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
