package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()
	fleetJobsTotal.Reset()
	fleetClaimsTotal.Reset()

	if fleetJobsTotal == nil || fleetClaimsTotal == nil ||
		fleetPagesTotal == nil || fleetHealthyIdentities == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveJob("submitted")
	if val := testutil.ToFloat64(fleetJobsTotal.WithLabelValues("submitted")); val != 1 {
		t.Errorf("Expected fleetJobsTotal{status=submitted} to be 1, got %f", val)
	}

	ObserveClaim("empty")
	ObserveClaim("empty")
	if val := testutil.ToFloat64(fleetClaimsTotal.WithLabelValues("empty")); val != 2 {
		t.Errorf("Expected fleetClaimsTotal{result=empty} to be 2, got %f", val)
	}

	SetHealthyIdentities(3)
	if val := testutil.ToFloat64(fleetHealthyIdentities); val != 3 {
		t.Errorf("Expected fleetHealthyIdentities to be 3, got %f", val)
	}

	ObserveScrapeDuration("done", 2*time.Second)
	if val := testutil.CollectAndCount(fleetScrapeDurationSeconds); val <= 0 {
		t.Errorf("Expected fleetScrapeDurationSeconds to be observed, got %d", val)
	}
}
