package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "settlement.release", EscrowID("e1"), Amount(10000))
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { End(span, errors.New("boom")) })
}
