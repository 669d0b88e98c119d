package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ephemeral.share/internal/metrics"
)

func TestOutcomeMetrics(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created := testutil.ToFloat64(metrics.SecretsCreated)
	ok := testutil.ToFloat64(metrics.SecretsConsumed.WithLabelValues("ok"))
	consumed := testutil.ToFloat64(metrics.SecretsConsumed.WithLabelValues("consumed"))
	missing := testutil.ToFloat64(metrics.SecretsPeeked.WithLabelValues("not_found"))

	id, err := svc.Create(ctx, []byte("counted"), time.Hour, "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, _ = svc.Consume(ctx, id, "")
	_, _ = svc.Consume(ctx, id, "")
	_, _ = svc.Peek(ctx, "missing")

	if got := testutil.ToFloat64(metrics.SecretsCreated) - created; got != 1 {
		t.Errorf("secrets_created_total grew by %v", got)
	}
	if got := testutil.ToFloat64(metrics.SecretsConsumed.WithLabelValues("ok")) - ok; got != 1 {
		t.Errorf("consumed ok grew by %v", got)
	}
	if got := testutil.ToFloat64(metrics.SecretsConsumed.WithLabelValues("consumed")) - consumed; got != 1 {
		t.Errorf("consumed already-read grew by %v", got)
	}
	if got := testutil.ToFloat64(metrics.SecretsPeeked.WithLabelValues("not_found")) - missing; got != 1 {
		t.Errorf("peeked not_found grew by %v", got)
	}
}
