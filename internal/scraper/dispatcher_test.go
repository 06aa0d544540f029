package scraper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/config"
	"github.com/talonhq/talon/internal/faults"
)

type stubPage struct {
	html      string
	navigated []string
	clicks    []string
	typed     map[string]string
	navErr    error
	clickErr  error
}

func (p *stubPage) Navigate(ctx context.Context, url string) error {
	p.navigated = append(p.navigated, url)
	return p.navErr
}

func (p *stubPage) HTML(ctx context.Context) (string, error) { return p.html, nil }

func (p *stubPage) Click(ctx context.Context, selector string) error {
	if p.clickErr != nil {
		return p.clickErr
	}
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *stubPage) Type(ctx context.Context, selector, text string) error {
	if p.typed == nil {
		p.typed = make(map[string]string)
	}
	p.typed[selector] = text
	return nil
}

func (p *stubPage) WaitVisible(ctx context.Context, selector string) error { return nil }

func (p *stubPage) Eval(ctx context.Context, js string) (string, error) { return "", nil }

func (p *stubPage) Close() error { return nil }

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(config.ScraperConfig{
		BaseURL:    "https://x.test",
		OpTimeout:  2 * time.Second,
		MaxRetries: 2,
		RetryBase:  2 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestRunUnknownOperation(t *testing.T) {
	d := testDispatcher(t)
	_, err := d.Run(context.Background(), "no-such-op", &stubPage{}, nil, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
}

func TestRunMissingArg(t *testing.T) {
	d := testDispatcher(t)
	_, err := d.Run(context.Background(), OpExtractProfile, &stubPage{html: profileHTML}, Args{}, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
}

func TestRunExtractProfile(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: profileHTML}

	res, err := d.Run(context.Background(), OpExtractProfile, page, Args{"username": "jane"}, 0)
	require.NoError(t, err)

	p, ok := res.(*Profile)
	require.True(t, ok, "want *Profile, got %T", res)
	assert.Equal(t, "Jane Doe", p.DisplayName)
	assert.Equal(t, int64(12300), p.Counts.Followers)
	require.Len(t, page.navigated, 1)
	assert.Equal(t, "https://x.test/jane", page.navigated[0])
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	d := testDispatcher(t)
	var attempts atomic.Int32
	require.NoError(t, d.Register(Operation{
		Name: "flaky-read",
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("wobbly network")
			}
			return "done", nil
		},
	}))

	res, err := d.Run(context.Background(), "flaky-read", &stubPage{}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRunDoesNotRetryMutating(t *testing.T) {
	d := testDispatcher(t)
	var attempts atomic.Int32
	require.NoError(t, d.Register(Operation{
		Name:     "flaky-write",
		Mutating: true,
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			attempts.Add(1)
			return nil, errors.New("wobbly network")
		},
	}))

	_, err := d.Run(context.Background(), "flaky-write", &stubPage{}, nil, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindTransient))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunDoesNotRetryNonRetryableKinds(t *testing.T) {
	d := testDispatcher(t)
	var attempts atomic.Int32
	require.NoError(t, d.Register(Operation{
		Name: "expired-read",
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			attempts.Add(1)
			return nil, faults.New(faults.KindAuthExpired, "scrape.expired-read", "session gone")
		},
	}))

	_, err := d.Run(context.Background(), "expired-read", &stubPage{}, nil, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindAuthExpired))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunTimeoutClassifiesTransient(t *testing.T) {
	d := testDispatcher(t)
	require.NoError(t, d.Register(Operation{
		Name: "stuck",
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	start := time.Now()
	_, err := d.Run(context.Background(), "stuck", &stubPage{}, nil, 40*time.Millisecond)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindTransient))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunCancellationPassesThrough(t *testing.T) {
	d := testDispatcher(t)
	require.NoError(t, d.Register(Operation{
		Name: "stuck",
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Run(ctx, "stuck", &stubPage{}, nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunPanicBecomesFatal(t *testing.T) {
	d := testDispatcher(t)
	require.NoError(t, d.Register(Operation{
		Name:     "explodes",
		Mutating: true,
		Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
			panic("selector walked off the page")
		},
	}))

	_, err := d.Run(context.Background(), "explodes", &stubPage{}, nil, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindFatal))
}

func TestClickLikeAlreadyLiked(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: `<html><body>
		<div data-testid="primaryColumn"><article data-testid="tweet"></article>
		<button data-testid="unlike"></button></div>
		<a data-testid="SideNav_NewTweet_Button"></a>
	</body></html>`}

	res, err := d.Run(context.Background(), OpClickLike, page, Args{"tweet_url": "/jane/status/1111"}, 0)
	require.NoError(t, err)

	receipt := res.(ActionReceipt)
	assert.False(t, receipt.Performed)
	assert.Empty(t, page.clicks)
}

func TestClickLikePerforms(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: `<html><body>
		<div data-testid="primaryColumn"><article data-testid="tweet"></article>
		<button data-testid="like"></button></div>
		<a data-testid="SideNav_NewTweet_Button"></a>
	</body></html>`}

	res, err := d.Run(context.Background(), OpClickLike, page, Args{"tweet_url": "/jane/status/1111"}, 0)
	require.NoError(t, err)

	receipt := res.(ActionReceipt)
	assert.True(t, receipt.Performed)
	require.Len(t, page.navigated, 1)
	assert.Equal(t, "https://x.test/jane/status/1111", page.navigated[0])
	assert.Contains(t, page.clicks, selLike)
}

func TestListFollowersAuthWall(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: loginWallHTML}

	_, err := d.Run(context.Background(), OpListFollowers, page, Args{"username": "jane"}, 0)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindAuthExpired))
}

func TestSearchMentionsFiltersOwnTweets(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: `<html><body><div data-testid="primaryColumn">
		<article data-testid="tweet"><a href="/jane/status/1111"></a><div data-testid="tweetText">me talking about myself</div></article>
		<article data-testid="tweet"><a href="/bob/status/2222"></a><div data-testid="tweetText">hey @jane nice post</div></article>
	</div></body></html>`}

	res, err := d.Run(context.Background(), OpSearchMentions, page, Args{"username": "jane"}, 0)
	require.NoError(t, err)

	mentions := res.([]Tweet)
	require.Len(t, mentions, 1)
	assert.Equal(t, "bob", mentions[0].Author)
	assert.Equal(t, "2222", mentions[0].ID)
}

func TestPostTweetTypesAndSends(t *testing.T) {
	d := testDispatcher(t)
	page := &stubPage{html: `<html><body>
		<div data-testid="primaryColumn"><div data-testid="tweetTextarea_0"></div></div>
		<a data-testid="SideNav_NewTweet_Button"></a>
	</body></html>`}

	res, err := d.Run(context.Background(), OpPostTweet, page, Args{"text": "hello world"}, 0)
	require.NoError(t, err)

	receipt := res.(ActionReceipt)
	assert.True(t, receipt.Performed)
	assert.Equal(t, "hello world", page.typed[selComposerBox])
	assert.Contains(t, page.clicks, selComposerSend)
}

func TestCheckAuth(t *testing.T) {
	d := testDispatcher(t)

	res, err := d.Run(context.Background(), OpCheckAuth, &stubPage{html: loginWallHTML}, nil, 0)
	require.NoError(t, err)
	assert.False(t, res.(AuthStatus).LoggedIn)

	res, err = d.Run(context.Background(), OpCheckAuth, &stubPage{html: profileHTML}, nil, 0)
	require.NoError(t, err)
	assert.True(t, res.(AuthStatus).LoggedIn)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := testDispatcher(t)
	err := d.Register(Operation{Name: OpClickLike, Run: func(ctx context.Context, page browser.Page, args Args) (any, error) {
		return nil, nil
	}})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindValidation))
}

func TestEndpointAndNames(t *testing.T) {
	d := testDispatcher(t)
	assert.Equal(t, "like", d.Endpoint(OpClickLike))
	assert.Equal(t, "tweets", d.Endpoint(OpListTweetsByUser))
	assert.Equal(t, "", d.Endpoint("no-such-op"))
	assert.True(t, d.Has(OpPostTweet))
	names := d.Names()
	assert.Contains(t, names, OpExtractProfile)
	assert.Contains(t, names, OpSearchMentions)
}
