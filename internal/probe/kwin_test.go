package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRenderKWinScript(t *testing.T) {
	script := renderKWinScript(":1.42", notifierPath, notifierIface)

	require.Contains(t, script, `var service = ":1.42";`)
	require.Contains(t, script, `var path = "/io/github/deskwatch/KWin";`)
	require.Contains(t, script, `var iface = "io.github.deskwatch.KWin";`)
	require.Contains(t, script, "workspace.windowActivated")
	require.Contains(t, script, "workspace.clientActivated")
	require.Contains(t, script, "captionChanged")
	require.NotContains(t, script, "%!")
}

func TestActiveWindowFeed(t *testing.T) {
	feed := newActiveWindowFeed()
	defer feed.stop()

	_, err := feed.get()
	require.ErrorIs(t, err, ErrNoFocusedWindow)

	n := &windowNotifier{feed: feed}
	require.Nil(t, n.NotifyActiveWindow("konsole", "~ : bash"))

	require.Eventually(t, func() bool {
		w, err := feed.get()
		return err == nil && w == Window{App: "konsole", Title: "~ : bash"}
	}, time.Second, 5*time.Millisecond)

	require.Nil(t, n.NotifyActiveWindow("konsole", "vim"))
	require.Eventually(t, func() bool {
		w, err := feed.get()
		return err == nil && w.Title == "vim"
	}, time.Second, 5*time.Millisecond)

	// Desktop focused, nothing active
	require.Nil(t, n.NotifyActiveWindow("", ""))
	require.Eventually(t, func() bool {
		_, err := feed.get()
		return err == ErrNoFocusedWindow
	}, time.Second, 5*time.Millisecond)
}

func TestActiveWindowFeedKeepsNewestWhenFull(t *testing.T) {
	feed := &activeWindowFeed{
		updates: make(chan Window, 2),
		done:    make(chan struct{}),
	}

	// No consumer yet, so the buffer fills up
	for i := range 5 {
		feed.publish(Window{App: "app", Title: string(rune('a' + i))})
	}
	require.Len(t, feed.updates, 2)

	go feed.consume()
	defer feed.stop()

	require.Eventually(t, func() bool {
		w, err := feed.get()
		return err == nil && w.Title == "e"
	}, time.Second, 5*time.Millisecond)
}

func TestKWinProbeQueryActiveWindowUsesFeed(t *testing.T) {
	p := &KWinProbe{feed: newActiveWindowFeed()}
	defer p.feed.stop()

	p.feed.publish(Window{App: "dolphin", Title: "Home"})

	require.Eventually(t, func() bool {
		w, err := p.QueryActiveWindow(context.Background())
		return err == nil && w.App == "dolphin"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "kwin", p.Name())
}
