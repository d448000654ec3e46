package live

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ProbeInfo summarizes the browser behind a CDP endpoint.
type ProbeInfo struct {
	Product string
	Pages   int
}

// browserConn runs browser-domain commands (target listing, window lookup)
// over a chromedp connection. Page sessions and events stay on rawCDP.
type browserConn struct {
	b      *chromedp.Browser
	cancel context.CancelFunc
}

// dialBrowser connects to wsURL. The connection outlives ctx and is closed
// with close.
func dialBrowser(ctx context.Context, wsURL string) (*browserConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bctx, cancel := context.WithCancel(context.Background())
	b, err := chromedp.NewBrowser(bctx, wsURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chromedp: connect: %w", err)
	}
	return &browserConn{b: b, cancel: cancel}, nil
}

func (bc *browserConn) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, bc.b)
}

func (bc *browserConn) close() { bc.cancel() }

func (bc *browserConn) targets(ctx context.Context) ([]*target.Info, error) {
	return target.GetTargets().Do(bc.exec(ctx))
}

// incognitoContexts lists non-default browser contexts; pages inside them are
// treated as incognito.
func (bc *browserConn) incognitoContexts(ctx context.Context) (map[cdp.BrowserContextID]bool, error) {
	ids, err := target.GetBrowserContexts().Do(bc.exec(ctx))
	if err != nil {
		return nil, err
	}
	out := make(map[cdp.BrowserContextID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (bc *browserConn) windowForTarget(ctx context.Context, id target.ID) (browser.WindowID, error) {
	wid, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(bc.exec(ctx))
	return wid, err
}

// probe reads the product string and page count. It does not create any
// target.
func (bc *browserConn) probe(ctx context.Context) (ProbeInfo, error) {
	_, product, _, _, _, err := browser.GetVersion().Do(bc.exec(ctx))
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("probe: version: %w", err)
	}
	infos, err := bc.targets(ctx)
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("probe: targets: %w", err)
	}
	out := ProbeInfo{Product: product}
	for _, info := range infos {
		if info.Type == "page" {
			out.Pages++
		}
	}
	return out, nil
}
