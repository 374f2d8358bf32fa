package publisher

import (
	"context"

	"github.com/cryptofl/roundledger/internal/model"
)

// Publisher streams round records to a message broker as they are appended
type Publisher interface {
	// Connect opens the broker connection and announces the experiment
	Connect(ctx context.Context) error

	// Close flushes pending messages and releases the connection
	Close() error

	// PublishRound publishes one appended round record
	PublishRound(ctx context.Context, record model.RoundRecord) error

	// PublishRounds publishes several round records in one batch
	PublishRounds(ctx context.Context, records []model.RoundRecord) error
}
