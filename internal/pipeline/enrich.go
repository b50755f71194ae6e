package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/austindbirch/poolwatch/internal/activity"
	"github.com/austindbirch/poolwatch/internal/chain"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/tracing"
)

// MetadataSource resolves a token's metadata document.
type MetadataSource interface {
	Metadata(ctx context.Context, tokenID *big.Int) (chain.Metadata, error)
	ResolveURL(uri string) string
}

// CommentarySource writes the title and joke for a token.
type CommentarySource interface {
	Generate(ctx context.Context, metadata any, txContext string) (activity.Commentary, error)
}

// Enricher turns one pool transfer into a display message.
type Enricher struct {
	Pool string
	// ExplorerTxURL is a format string taking the transaction hash.
	ExplorerTxURL string
	Chain         MetadataSource
	Commentary    CommentarySource
	Logger        *logging.Logger
}

func (e *Enricher) Name() string   { return "enrich" }
func (e *Enricher) Source() string { return queue.PerActivity }

func (e *Enricher) Process(ctx context.Context, id string, item json.RawMessage) (Result, error) {
	rec, err := activity.ParseRecord(item)
	if err != nil {
		return Result{}, err
	}
	tokenID, err := activity.ParseTokenID(rec.ERC721TokenID)
	if err != nil {
		return Result{}, err
	}
	tracing.AddSpanEvent(ctx, "record.parsed",
		tracing.AttrTxHash.String(rec.Hash),
		tracing.AttrTokenID.String(tokenID.String()),
	)

	md, err := e.Chain.Metadata(ctx, tokenID)
	if err != nil {
		return Result{}, fmt.Errorf("token %s metadata: %w", tokenID, err)
	}

	txURL := fmt.Sprintf(e.ExplorerTxURL, rec.Hash)
	imageURL := txURL
	if img := md.Image(); img != "" {
		imageURL = e.Chain.ResolveURL(img)
	}

	dir := activity.Classify(rec, e.Pool)
	c, err := e.Commentary.Generate(ctx, md, dir.Context())
	if err != nil {
		return Result{}, err
	}

	msg := activity.NewMessage(rec, dir, tokenID.String(), imageURL, txURL, c)
	loggerOr(e.Logger, "enrich").WithContext(ctx).WithItem(queue.PerActivity, id).WithTx(rec.Hash).
		WithFields(map[string]any{"token_id": tokenID.String(), "direction": string(dir)}).
		Info("message built")

	return Result{Target: queue.OutboundMessage, Outputs: []any{msg}}, nil
}
