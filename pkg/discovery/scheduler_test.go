package discovery

import "testing"

func TestNewScheduler(t *testing.T) {
	svc, _ := newTestService(t, "servers.json", &fakeClient{})

	if _, err := NewScheduler("*/15 * * * *", svc, testLogger()); err != nil {
		t.Errorf("NewScheduler(valid) error = %v", err)
	}
	if _, err := NewScheduler("not a cron", svc, testLogger()); err == nil {
		t.Errorf("NewScheduler(invalid) error = nil, want validation error")
	}
}
