package chrome

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/demo-copilot/pkg/core"
)

func TestDriver_ActionsBeforeStartFail(t *testing.T) {
	d := New(Config{})
	ctx := context.Background()

	err := d.Navigate(ctx, "https://example.com")
	assert.True(t, core.IsKind(err, core.KindActionFailed))
	assert.Contains(t, err.Error(), "browser not started")

	assert.True(t, core.IsKind(d.Click(ctx, "#go"), core.KindActionFailed))
	assert.True(t, core.IsKind(d.Type(ctx, "#q", "x"), core.KindActionFailed))
	assert.True(t, core.IsKind(d.Scroll(ctx, 100), core.KindActionFailed))
	_, err = d.Screenshot(ctx)
	assert.True(t, core.IsKind(err, core.KindActionFailed))

	assert.NoError(t, d.Stop(ctx))
}

func TestDriver_Defaults(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, 1920, d.cfg.ViewportWidth)
	assert.Equal(t, 1080, d.cfg.ViewportHeight)
	assert.Equal(t, 10*time.Second, d.cfg.WaitVisible)

	base := len(chromedp.DefaultExecAllocatorOptions)
	assert.Len(t, d.allocatorOptions(), base+4)
	assert.Len(t, New(Config{ExecPath: "/usr/bin/chromium"}).allocatorOptions(), base+5)
}

// Requires a local Chrome; set DEMO_CHROME_TEST=1 to run.
func TestDriver_Live(t *testing.T) {
	if os.Getenv("DEMO_CHROME_TEST") == "" {
		t.Skip("DEMO_CHROME_TEST not set")
	}
	d := New(Config{Headless: true})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background()) //nolint:errcheck // test cleanup

	require.NoError(t, d.Navigate(ctx, "data:text/html,<input id=q><button id=b>go</button>"))
	require.NoError(t, d.Type(ctx, "#q", "hello"))
	require.NoError(t, d.Click(ctx, "#b"))
	require.NoError(t, d.Scroll(ctx, 200))
	frame, err := d.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, frame)
}
