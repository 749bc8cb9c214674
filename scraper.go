package freehp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// ProxySource is a page (or list of pages) that is scraped for proxy
// addresses on a schedule, grouped under a name for logging purposes. A
// source may instead be given as a URL template plus a numeric page
// range (e.g. "http://x/list_{page}.html", 1, 5); LoadConfig expands that
// into URLs at load time, per spec.md §6.
type ProxySource struct {
	Name     string   `yaml:"name"`
	URLs     []string `yaml:"urls"`
	Template string   `yaml:"url_template"`
	PageFrom int      `yaml:"page_from"`
	PageTo   int      `yaml:"page_to"`
}

// Scraper periodically fetches a set of ProxySources, extracts proxy
// addresses from each page, and hands batches of addresses to every
// subscriber. One goroutine runs per source so a slow or broken page
// never stalls the others.
type Scraper struct {
	Sources      []ProxySource
	ScrapInterval time.Duration
	Timeout       time.Duration
	SleepTime     time.Duration
	Headers       map[string]string

	m           sync.Mutex
	receivers   []func([]string)
	cancelFuncs []context.CancelFunc
	wg          sync.WaitGroup
}

// NewScraper builds a Scraper from the recognized config keys: proxy_pages,
// scrap_interval, spider_timeout, spider_sleep_time, spider_headers.
func NewScraper(cfg *Config) *Scraper {
	return &Scraper{
		Sources:       cfg.ProxyPages,
		ScrapInterval: time.Duration(cfg.ScrapInterval) * time.Second,
		Timeout:       time.Duration(cfg.SpiderTimeout) * time.Second,
		SleepTime:     time.Duration(cfg.SpiderSleepTime) * time.Second,
		Headers:       cfg.SpiderHeaders,
	}
}

// Subscribe registers a receiver that is called with every non-empty batch
// of addresses extracted from a page. Receivers run on the scraper's
// goroutine for the source that produced the batch, so they must not block
// for long.
func (s *Scraper) Subscribe(receiver func(addrs []string)) {
	s.m.Lock()
	defer s.m.Unlock()
	s.receivers = append(s.receivers, receiver)
}

// Open starts one update loop per configured source. It returns
// immediately; loops run until ctx is cancelled or Close is called.
func (s *Scraper) Open(ctx context.Context) {
	for _, src := range s.Sources {
		ctx, cancel := context.WithCancel(ctx)
		s.cancelFuncs = append(s.cancelFuncs, cancel)
		s.wg.Add(1)
		go s.updateLoop(ctx, src)
	}
}

// Close cancels every running source loop and waits for them to exit.
func (s *Scraper) Close() {
	for _, cancel := range s.cancelFuncs {
		cancel()
	}
	s.wg.Wait()
	s.cancelFuncs = nil
}

func (s *Scraper) updateLoop(ctx context.Context, src ProxySource) {
	defer s.wg.Done()
	for {
		start := time.Now()
		s.update(ctx, src)
		elapsed := time.Since(start)

		remaining := s.ScrapInterval - elapsed
		if remaining < 0 {
			remaining = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

func (s *Scraper) update(ctx context.Context, src ProxySource) {
	for _, u := range src.URLs {
		for retry := 0; retry < 3; retry++ {
			body, err := s.fetch(ctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("freehp: failed to scrap proxy page %q (%s): %v", u, src.Name, err)
			} else {
				addrs := ExtractAddresses(body)
				if len(addrs) > 0 {
					s.notify(addrs)
				}
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.SleepTime):
		}
	}
}

func (s *Scraper) fetch(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", ua.get())
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("freehp: %s returned status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Scraper) notify(addrs []string) {
	s.m.Lock()
	receivers := append([]func([]string){}, s.receivers...)
	s.m.Unlock()

	for _, r := range receivers {
		r(addrs)
	}
}
