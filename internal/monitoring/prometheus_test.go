package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumfirm/finhub/internal/model"
)

func TestRecorder_Counters(t *testing.T) {
	rec := NewRecorder()

	rec.FactsIngested(8)
	rec.EvaluationDone("total_income", false, time.Millisecond)
	rec.EvaluationDone("total_income", true, time.Microsecond)
	rec.JobCreated()
	rec.JobFinished(model.JobCompleted, 2*time.Second)
	rec.JobFinished(model.JobFailed, time.Second)
	rec.JobsReaped(2)
	rec.QueueDepth(3)

	assert.Equal(t, 8.0, testutil.ToFloat64(rec.factsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.evaluations.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.evaluations.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.jobsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.jobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.jobsReaped))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.queueDepth))
}

func TestRecorder_Handler(t *testing.T) {
	rec := NewRecorder()
	rec.FactsIngested(5)
	rec.QueueDepth(2)
	rec.EvaluationDone("roa", false, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "finhub_facts_ingested_total 5")
	assert.Contains(t, body, "finhub_export_queue_depth 2")
	assert.Contains(t, body, "finhub_evaluate_duration_seconds")
	assert.Contains(t, body, "go_goroutines")
}
