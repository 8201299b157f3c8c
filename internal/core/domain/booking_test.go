package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBookingCriteria_ValidateFor(t *testing.T) {
	tests := []struct {
		name     string
		mode     BookingMode
		criteria BookingCriteria
		wantErr  error
	}{
		{
			name:     "jobs mode valid",
			mode:     BookingModeJobs,
			criteria: BookingCriteria{MapID: 7, Jobs: []uint16{15, 23}},
		},
		{
			name:     "jobs mode with notice",
			mode:     BookingModeJobs,
			criteria: BookingCriteria{Notice: "hi"},
			wantErr:  ErrBookingModeMismatch,
		},
		{
			name:     "jobs mode too many jobs",
			mode:     BookingModeJobs,
			criteria: BookingCriteria{Jobs: []uint16{1, 2, 3, 4, 5, 6, 7}},
			wantErr:  ErrInvalidCriteria,
		},
		{
			name:     "notice mode valid",
			mode:     BookingModeNotice,
			criteria: BookingCriteria{MapID: 7, Notice: "looking for healer"},
		},
		{
			name:     "notice mode with jobs",
			mode:     BookingModeNotice,
			criteria: BookingCriteria{Jobs: []uint16{15}},
			wantErr:  ErrBookingModeMismatch,
		},
		{
			name:     "notice mode too long",
			mode:     BookingModeNotice,
			criteria: BookingCriteria{Notice: strings.Repeat("x", NoticeLength+1)},
			wantErr:  ErrInvalidCriteria,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.criteria.ValidateFor(tt.mode)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateFor() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateFor() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBookingAd_Expired(t *testing.T) {
	now := time.Now()
	ad := &BookingAd{ExpiresAt: now}

	if !ad.Expired(now) {
		t.Error("ad expiring exactly now should be expired")
	}
	if ad.Expired(now.Add(-time.Second)) {
		t.Error("ad should not be expired before its timestamp")
	}
	if !ad.Expired(now.Add(time.Second)) {
		t.Error("ad should be expired after its timestamp")
	}
}

func TestBookingAd_Matches(t *testing.T) {
	ad := &BookingAd{
		Level:    50,
		Criteria: BookingCriteria{MapID: 7, Jobs: []uint16{JobMonk, JobTaekwon}},
	}

	tests := []struct {
		name     string
		mode     BookingMode
		level    uint16
		criteria BookingCriteria
		want     bool
	}{
		{"level wildcard", BookingModeJobs, 0, BookingCriteria{}, true},
		{"level in range", BookingModeJobs, 60, BookingCriteria{}, true},
		{"level out of range", BookingModeJobs, 80, BookingCriteria{}, false},
		{"map match", BookingModeJobs, 0, BookingCriteria{MapID: 7}, true},
		{"map mismatch", BookingModeJobs, 0, BookingCriteria{MapID: 8}, false},
		{"job match", BookingModeJobs, 0, BookingCriteria{Jobs: []uint16{JobMonk}}, true},
		{"job mismatch", BookingModeJobs, 0, BookingCriteria{Jobs: []uint16{JobSuperNovice}}, false},
		{"notice mode ignores jobs", BookingModeNotice, 0, BookingCriteria{MapID: 7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ad.Matches(tt.mode, tt.level, 15, tt.criteria)
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBookingAd_Clone_Isolated(t *testing.T) {
	ad := &BookingAd{Criteria: BookingCriteria{Jobs: []uint16{1, 2}}}
	c := ad.Clone()

	c.Criteria.Jobs[0] = 99
	if ad.Criteria.Jobs[0] == 99 {
		t.Error("Clone() must not share the jobs slice")
	}
}

func TestGenerateWorldID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := GenerateWorldID()
		if err != nil {
			t.Fatalf("GenerateWorldID() error = %v", err)
		}
		if !strings.HasPrefix(id, WorldIDPrefix) {
			t.Errorf("id %q should have prefix %q", id, WorldIDPrefix)
		}
		if seen[id] {
			t.Errorf("duplicate world id generated: %q", id)
		}
		seen[id] = true
	}
}
