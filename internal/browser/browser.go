// Package browser is an in-process model of the tabs and windows the bridge
// manages. It gives the page and window commands real state to act on.
package browser

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// BlankURL is loaded by tabs opened without a URL.
const BlankURL = "about:blank"

// TargetActive resolves to the focused window's active tab.
const TargetActive = "active"

// NotFoundError reports a missing tab or window.
type NotFoundError struct {
	Entity string
	ID     int
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// ErrInvalidURL is returned for URLs without a scheme.
var ErrInvalidURL = errors.New("browser: invalid url")

// ErrNoActiveTab is returned when "active" cannot be resolved.
var ErrNoActiveTab = errors.New("browser: no active tab")

// Tab is a snapshot of one page.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
	Status   string `json:"status"`
}

// Window is a snapshot of one window.
type Window struct {
	ID      int   `json:"id"`
	Focused bool  `json:"focused"`
	TabIDs  []int `json:"tabIds"`
}

type window struct {
	id     int
	tabs   []int
	active int
}

// Browser holds the tab and window model. It is safe for concurrent use.
type Browser struct {
	mu         sync.Mutex
	nextTab    int
	nextWindow int
	tabs       map[int]*Tab
	windows    map[int]*window
	focused    int
}

// New returns an empty browser.
func New() *Browser {
	return &Browser{
		tabs:    make(map[int]*Tab),
		windows: make(map[int]*window),
	}
}

// OpenOptions controls TAB_OPEN.
type OpenOptions struct {
	URL       string
	WindowID  int  // 0 opens in the focused window, creating one if needed
	Active    bool // make the new tab active in its window
	NewWindow bool
}

// Open creates a tab.
func (b *Browser) Open(opts OpenOptions) (Tab, error) {
	target := opts.URL
	if target == "" {
		target = BlankURL
	}
	if err := validateURL(target); err != nil {
		return Tab{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var w *window
	switch {
	case opts.NewWindow:
		w = b.newWindowLocked()
	case opts.WindowID != 0:
		var ok bool
		if w, ok = b.windows[opts.WindowID]; !ok {
			return Tab{}, NotFoundError{Entity: "window", ID: opts.WindowID}
		}
	default:
		if w = b.windows[b.focused]; w == nil {
			w = b.newWindowLocked()
		}
	}

	b.nextTab++
	tab := &Tab{
		ID:       b.nextTab,
		WindowID: w.id,
		URL:      target,
		Title:    titleFor(target),
		Status:   "complete",
	}
	b.tabs[tab.ID] = tab
	w.tabs = append(w.tabs, tab.ID)
	if opts.Active || w.active == 0 {
		b.activateLocked(w, tab.ID)
	}
	return *tab, nil
}

// Close removes a tab. Closing the last tab of a window closes the window.
func (b *Browser) Close(tabID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[tabID]
	if !ok {
		return NotFoundError{Entity: "tab", ID: tabID}
	}
	w := b.windows[tab.WindowID]
	delete(b.tabs, tabID)
	w.tabs = removeID(w.tabs, tabID)

	if len(w.tabs) == 0 {
		b.removeWindowLocked(w.id)
		return nil
	}
	if w.active == tabID {
		b.activateLocked(w, w.tabs[len(w.tabs)-1])
	}
	return nil
}

// Navigate loads target in the tab.
func (b *Browser) Navigate(tabID int, target string) (Tab, error) {
	if err := validateURL(target); err != nil {
		return Tab{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[tabID]
	if !ok {
		return Tab{}, NotFoundError{Entity: "tab", ID: tabID}
	}
	tab.URL = target
	tab.Title = titleFor(target)
	tab.Status = "complete"
	return *tab, nil
}

// Activate makes the tab active and focuses its window.
func (b *Browser) Activate(tabID int) (Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[tabID]
	if !ok {
		return Tab{}, NotFoundError{Entity: "tab", ID: tabID}
	}
	b.activateLocked(b.windows[tab.WindowID], tabID)
	return *tab, nil
}

// Query selects tabs. Zero-valued fields do not filter.
type Query struct {
	Active   *bool
	WindowID int
	URL      string // glob pattern, e.g. "https://example.com/*"
	Title    string // substring
}

// Query returns matching tabs ordered by id.
func (b *Browser) Query(q Query) []Tab {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Tab, 0, len(b.tabs))
	for _, tab := range b.tabs {
		if q.Active != nil && tab.Active != *q.Active {
			continue
		}
		if q.WindowID != 0 && tab.WindowID != q.WindowID {
			continue
		}
		if q.URL != "" {
			if ok, _ := path.Match(q.URL, tab.URL); !ok && q.URL != tab.URL {
				continue
			}
		}
		if q.Title != "" && !strings.Contains(tab.Title, q.Title) {
			continue
		}
		out = append(out, *tab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tab returns a snapshot of one tab.
func (b *Browser) Tab(tabID int) (Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab, ok := b.tabs[tabID]
	if !ok {
		return Tab{}, NotFoundError{Entity: "tab", ID: tabID}
	}
	return *tab, nil
}

// ActiveTab returns the focused window's active tab.
func (b *Browser) ActiveTab() (Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.windows[b.focused]
	if w == nil || w.active == 0 {
		return Tab{}, ErrNoActiveTab
	}
	return *b.tabs[w.active], nil
}

// CloseWindow removes a window and all its tabs.
func (b *Browser) CloseWindow(windowID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[windowID]
	if !ok {
		return NotFoundError{Entity: "window", ID: windowID}
	}
	for _, id := range w.tabs {
		delete(b.tabs, id)
	}
	b.removeWindowLocked(windowID)
	return nil
}

// NavigateWindow loads target in the window's active tab.
func (b *Browser) NavigateWindow(windowID int, target string) (Tab, error) {
	b.mu.Lock()
	w, ok := b.windows[windowID]
	var active int
	if ok {
		active = w.active
	}
	b.mu.Unlock()

	if !ok {
		return Tab{}, NotFoundError{Entity: "window", ID: windowID}
	}
	return b.Navigate(active, target)
}

// Windows returns every window ordered by id.
func (b *Browser) Windows() []Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Window, 0, len(b.windows))
	for _, w := range b.windows {
		out = append(out, Window{
			ID:      w.id,
			Focused: w.id == b.focused,
			TabIDs:  append([]int(nil), w.tabs...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveTarget maps "active" or a numeric id to a tab id.
func (b *Browser) ResolveTarget(target string) (int, error) {
	target = strings.TrimSpace(target)
	if target == "" || target == TargetActive {
		tab, err := b.ActiveTab()
		if err != nil {
			return 0, err
		}
		return tab.ID, nil
	}
	id, err := strconv.Atoi(target)
	if err != nil {
		return 0, fmt.Errorf("browser: invalid target %q", target)
	}
	if _, err := b.Tab(id); err != nil {
		return 0, err
	}
	return id, nil
}

func (b *Browser) newWindowLocked() *window {
	b.nextWindow++
	w := &window{id: b.nextWindow}
	b.windows[w.id] = w
	b.focused = w.id
	return w
}

func (b *Browser) removeWindowLocked(id int) {
	delete(b.windows, id)
	if b.focused != id {
		return
	}
	b.focused = 0
	for wid := range b.windows {
		if b.focused == 0 || wid > b.focused {
			b.focused = wid
		}
	}
}

func (b *Browser) activateLocked(w *window, tabID int) {
	if prev, ok := b.tabs[w.active]; ok {
		prev.Active = false
	}
	w.active = tabID
	b.tabs[tabID].Active = true
	b.focused = w.id
}

func removeID(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func titleFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
