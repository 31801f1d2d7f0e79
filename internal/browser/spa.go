package browser

import (
	"regexp"
	"time"

	"github.com/go-rod/rod"

	"github.com/PentesterFlow/SiteScape/internal/asset"
)

// networkMonitorScript counts in-flight fetch and XHR requests on
// window.__pendingRequests. It is installed before any page script runs.
const networkMonitorScript = `
(function() {
	if (window.__networkMonitorInjected) return;
	window.__networkMonitorInjected = true;
	window.__pendingRequests = 0;

	const done = () => {
		window.__pendingRequests = Math.max(0, window.__pendingRequests - 1);
	};

	const origSend = XMLHttpRequest.prototype.send;
	XMLHttpRequest.prototype.send = function() {
		window.__pendingRequests++;
		this.addEventListener('loadend', done);
		return origSend.apply(this, arguments);
	};

	const origFetch = window.fetch;
	if (origFetch) {
		window.fetch = function() {
			window.__pendingRequests++;
			return origFetch.apply(this, arguments).finally(done);
		};
	}
})();
`

// stealthScript hides the most common automation markers.
const stealthScript = `
(function() {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	if (!window.chrome) {
		window.chrome = { runtime: {}, loadTimes: function() {}, csi: function() {}, app: {} };
	}
})();
`

const pendingRequestsJS = `() => {
	const images = Array.from(document.images || []).filter(img => !img.complete).length;
	return (window.__pendingRequests || 0) + images;
}`

// autoScrollJS scrolls by step pixels every interval ms until the bottom of
// the document is reached.
const autoScrollJS = `(step, interval) => new Promise(resolve => {
	let total = 0;
	const timer = setInterval(() => {
		const height = document.body ? document.body.scrollHeight : 0;
		window.scrollBy(0, step);
		total += step;
		if (total >= height - window.innerHeight) {
			clearInterval(timer);
			window.scrollTo(0, 0);
			resolve(total);
		}
	}, interval);
})`

const computedBackgroundsJS = `() => {
	const out = [];
	for (const el of document.querySelectorAll('*')) {
		const bg = window.getComputedStyle(el).backgroundImage;
		if (bg && bg !== 'none') out.push(bg);
	}
	return out;
}`

// waitNetworkIdle polls the injected monitor until no more than threshold
// requests have been in flight for the whole window. The page's context
// bounds the wait.
func waitNetworkIdle(page *rod.Page, threshold int, window time.Duration) error {
	ctx := page.GetContext()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		res, err := page.Eval(pendingRequestsJS)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the document may be swapping during a client-side redirect
			idleSince = time.Time{}
		} else if res.Value.Int() <= threshold {
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if time.Since(idleSince) >= window {
				return nil
			}
		} else {
			idleSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// autoScroll walks the page to its bottom to trigger scroll-bound lazy
// loaders.
func autoScroll(page *rod.Page, step int, interval time.Duration) error {
	if step <= 0 {
		return nil
	}
	_, err := page.Eval(autoScrollJS, step, interval.Milliseconds())
	return err
}

// computedBackgrounds returns the raw computed background-image value of
// every element that has one.
func computedBackgrounds(page *rod.Page) ([]string, error) {
	res, err := page.Eval(computedBackgroundsJS)
	if err != nil {
		return nil, err
	}

	values := make([]string, 0)
	for _, v := range res.Value.Arr() {
		values = append(values, v.Str())
	}
	return values, nil
}

var cssURLRegex = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)

// BackgroundURLs pulls every url(...) out of computed background-image
// values, resolves them against base and removes duplicates. Gradients and
// data URIs are skipped.
func BackgroundURLs(values []string, base string) []string {
	seen := make(map[string]bool)
	urls := make([]string, 0)

	for _, value := range values {
		for _, match := range cssURLRegex.FindAllStringSubmatch(value, -1) {
			resolved := asset.ResolveString(match[1], base)
			if resolved == "" || seen[resolved] {
				continue
			}
			seen[resolved] = true
			urls = append(urls, resolved)
		}
	}
	return urls
}
