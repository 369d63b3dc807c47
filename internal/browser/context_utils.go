package browser

import "context"

// CombineContext derives a context from ctx1 that is also cancelled when ctx2
// is. ctx1 carries the CDP target values chromedp needs; ctx2 carries the
// caller's deadline and cancellation.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()
	return combinedCtx, cancel
}
