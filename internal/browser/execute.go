package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultScriptTimeout bounds TAB_EXECUTE scripts when ctx has no deadline.
const DefaultScriptTimeout = 5 * time.Second

// ErrScriptTimeout is returned when a script is interrupted.
var ErrScriptTimeout = errors.New("browser: script interrupted")

// Execute runs script against the tab. The script sees `tab` (id, url,
// title), `args`, and may call `setTitle(s)` or `navigate(url)`. The value of
// the last expression is exported as the result.
func (b *Browser) Execute(ctx context.Context, tabID int, script string, args any) (any, error) {
	tab, err := b.Tab(tabID)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := vm.Set("tab", tab); err != nil {
		return nil, fmt.Errorf("browser: bind tab: %w", err)
	}
	if err := vm.Set("args", args); err != nil {
		return nil, fmt.Errorf("browser: bind args: %w", err)
	}
	if err := vm.Set("setTitle", func(title string) {
		b.setTitle(tabID, title)
	}); err != nil {
		return nil, fmt.Errorf("browser: bind setTitle: %w", err)
	}
	if err := vm.Set("navigate", func(target string) bool {
		_, err := b.Navigate(tabID, target)
		return err == nil
	}); err != nil {
		return nil, fmt.Errorf("browser: bind navigate: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultScriptTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ErrScriptTimeout)
	})
	defer stop()

	value, err := vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("browser: script failed: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (b *Browser) setTitle(tabID int, title string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tab, ok := b.tabs[tabID]; ok {
		tab.Title = title
	}
}
