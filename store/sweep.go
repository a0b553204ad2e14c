// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package store

import (
	"context"
	"time"

	"go.gearno.de/admission/log"
)

type sweepFunc func(ctx context.Context) (int64, error)

// runSweepLoop calls sweep every interval until ctx is cancelled.
func runSweepLoop(
	ctx context.Context,
	logger *log.Logger,
	interval time.Duration,
	sweep sweepFunc,
) {
	logger.InfoCtx(ctx, "starting store sweep loop",
		log.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "stopping store sweep loop")
			return
		case <-ticker.C:
			n, err := sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}

				logger.ErrorCtx(ctx, "store sweep failed",
					log.Error(err),
				)
				continue
			}

			if n > 0 {
				logger.DebugCtx(ctx, "store sweep completed",
					log.Int64("evicted", n),
				)
			}
		}
	}
}
