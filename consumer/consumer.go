package consumer

import "context"

// Consumer blocks consuming its topic until ctx is done.
type Consumer interface {
	Start(ctx context.Context) error
}
