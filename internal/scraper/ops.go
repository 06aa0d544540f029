package scraper

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/faults"
)

// Registered operation names.
const (
	OpExtractProfile   = "extract-profile"
	OpProfileCounts    = "profile-counts"
	OpListTweetsByUser = "list-tweets-by-user"
	OpListHomeTimeline = "list-home-timeline"
	OpListFollowers    = "list-followers"
	OpSearchTweets     = "search-tweets"
	OpSearchMentions   = "search-mentions"
	OpSearchPeople     = "search-people"
	OpClickLike        = "click-like"
	OpClickFollow      = "click-follow"
	OpPostTweet        = "post-tweet"
	OpPostComment      = "post-comment"
	OpCheckAuth        = "check-auth"
)

// softWaitTimeout bounds the best-effort wait for list content. Empty
// feeds never render an article, so these waits must not consume the
// whole operation deadline.
const softWaitTimeout = 5 * time.Second

type builtins struct {
	base string
}

func registerBuiltins(d *Dispatcher, base string) {
	b := &builtins{base: strings.TrimRight(base, "/")}
	for _, op := range []Operation{
		{Name: OpExtractProfile, Endpoint: "profile", Run: b.extractProfile},
		{Name: OpProfileCounts, Endpoint: "profile_counts", Run: b.profileCounts},
		{Name: OpListTweetsByUser, Endpoint: "tweets", Run: b.listTweetsByUser},
		{Name: OpListHomeTimeline, Endpoint: "home_timeline", Run: b.listHomeTimeline},
		{Name: OpListFollowers, Endpoint: "followers", Run: b.listFollowers},
		{Name: OpSearchTweets, Endpoint: "search", Run: b.searchTweets},
		{Name: OpSearchMentions, Endpoint: "mentions", Run: b.searchMentions},
		{Name: OpSearchPeople, Endpoint: "search", Run: b.searchPeople},
		{Name: OpClickLike, Endpoint: "like", Mutating: true, Run: b.clickLike},
		{Name: OpClickFollow, Endpoint: "follow", Mutating: true, Run: b.clickFollow},
		{Name: OpPostTweet, Endpoint: "post", Mutating: true, Run: b.postTweet},
		{Name: OpPostComment, Endpoint: "comment", Mutating: true, Run: b.postComment},
		{Name: OpCheckAuth, Endpoint: "profile", Run: b.checkAuth},
	} {
		d.mustRegister(op)
	}
}

func (b *builtins) profileURL(username string) string {
	return b.base + "/" + url.PathEscape(username)
}

func (b *builtins) searchURL(query, filter string) string {
	u := b.base + "/search?q=" + url.QueryEscape(query) + "&src=typed_query"
	if filter != "" {
		u += "&f=" + filter
	}
	return u
}

// abs resolves a target given either as a site path or a full URL.
func (b *builtins) abs(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return b.base + "/" + strings.TrimLeft(target, "/")
}

func (b *builtins) extractProfile(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.profileURL(user), OpExtractProfile)
	if err != nil {
		return nil, err
	}
	return parseProfile(doc, user)
}

func (b *builtins) profileCounts(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.profileURL(user), OpProfileCounts)
	if err != nil {
		return nil, err
	}
	if notFoundPage(doc) {
		return nil, faults.Newf(faults.KindNotFound, "scrape."+OpProfileCounts,
			"account %q does not exist or is suspended", user)
	}
	counts := parseProfileCounts(doc)
	return &counts, nil
}

func (b *builtins) listTweetsByUser(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := openList(ctx, page, b.profileURL(user), OpListTweetsByUser, selTweetArticle)
	if err != nil {
		return nil, err
	}
	if notFoundPage(doc) {
		return nil, faults.Newf(faults.KindNotFound, "scrape."+OpListTweetsByUser,
			"account %q does not exist or is suspended", user)
	}
	return parseTweets(doc, args.Int("limit", 0)), nil
}

func (b *builtins) listHomeTimeline(ctx context.Context, page browser.Page, args Args) (any, error) {
	doc, err := openList(ctx, page, b.base+"/home", OpListHomeTimeline, selTweetArticle)
	if err != nil {
		return nil, err
	}
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpListHomeTimeline, "login wall on home timeline")
	}
	return parseTweets(doc, args.Int("limit", 0)), nil
}

func (b *builtins) listFollowers(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := openList(ctx, page, b.profileURL(user)+"/followers", OpListFollowers, selUserCell)
	if err != nil {
		return nil, err
	}
	// Follower listings are gated behind a session.
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpListFollowers, "login wall on follower listing")
	}
	if notFoundPage(doc) {
		return nil, faults.Newf(faults.KindNotFound, "scrape."+OpListFollowers,
			"account %q does not exist or is suspended", user)
	}
	return parseUserCells(doc), nil
}

func (b *builtins) searchTweets(ctx context.Context, page browser.Page, args Args) (any, error) {
	query, err := requireArg(args, "query")
	if err != nil {
		return nil, err
	}
	doc, err := openList(ctx, page, b.searchURL(query, "live"), OpSearchTweets, selTweetArticle)
	if err != nil {
		return nil, err
	}
	return parseTweets(doc, args.Int("limit", 0)), nil
}

// searchMentions is searchTweets specialized to @username, the shape the
// mention pollers need.
func (b *builtins) searchMentions(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := openList(ctx, page, b.searchURL("@"+user, "live"), OpSearchMentions, selTweetArticle)
	if err != nil {
		return nil, err
	}
	mentions := parseTweets(doc, args.Int("limit", 0))
	// The author's own tweets match the query too; mentions exclude them.
	filtered := mentions[:0]
	for _, t := range mentions {
		if !strings.EqualFold(t.Author, user) {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

func (b *builtins) searchPeople(ctx context.Context, page browser.Page, args Args) (any, error) {
	query, err := requireArg(args, "query")
	if err != nil {
		return nil, err
	}
	doc, err := openList(ctx, page, b.searchURL(query, "user"), OpSearchPeople, selUserCell)
	if err != nil {
		return nil, err
	}
	return parseUserCells(doc), nil
}

func (b *builtins) clickLike(ctx context.Context, page browser.Page, args Args) (any, error) {
	target, err := requireArg(args, "tweet_url")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.abs(target), OpClickLike)
	if err != nil {
		return nil, err
	}
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpClickLike, "login wall")
	}
	receipt := ActionReceipt{Action: "like", Target: target, At: time.Now().UTC()}
	if doc.Find(selUnlike).Length() > 0 {
		return receipt, nil // already liked
	}
	if err := click(ctx, page, selLike, OpClickLike); err != nil {
		return nil, err
	}
	receipt.Performed = true
	return receipt, nil
}

func (b *builtins) clickFollow(ctx context.Context, page browser.Page, args Args) (any, error) {
	user, err := requireArg(args, "username")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.profileURL(user), OpClickFollow)
	if err != nil {
		return nil, err
	}
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpClickFollow, "login wall")
	}
	if notFoundPage(doc) {
		return nil, faults.Newf(faults.KindNotFound, "scrape."+OpClickFollow,
			"account %q does not exist or is suspended", user)
	}
	receipt := ActionReceipt{Action: "follow", Target: user, At: time.Now().UTC()}
	if doc.Find(selUnfollowButton).Length() > 0 {
		return receipt, nil // already following
	}
	if err := click(ctx, page, selFollowButton, OpClickFollow); err != nil {
		return nil, err
	}
	receipt.Performed = true
	return receipt, nil
}

func (b *builtins) postTweet(ctx context.Context, page browser.Page, args Args) (any, error) {
	text, err := requireArg(args, "text")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.base+"/compose/post", OpPostTweet)
	if err != nil {
		return nil, err
	}
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpPostTweet, "login wall")
	}
	if err := waitFor(ctx, page, selComposerBox, OpPostTweet); err != nil {
		return nil, err
	}
	if err := page.Type(ctx, selComposerBox, text); err != nil {
		return nil, faults.Wrap(faults.KindTransient, "scrape."+OpPostTweet, err)
	}
	if err := click(ctx, page, selComposerSend, OpPostTweet); err != nil {
		return nil, err
	}
	return ActionReceipt{Action: "post", Target: text, Performed: true, At: time.Now().UTC()}, nil
}

func (b *builtins) postComment(ctx context.Context, page browser.Page, args Args) (any, error) {
	target, err := requireArg(args, "tweet_url")
	if err != nil {
		return nil, err
	}
	text, err := requireArg(args, "text")
	if err != nil {
		return nil, err
	}
	doc, err := open(ctx, page, b.abs(target), OpPostComment)
	if err != nil {
		return nil, err
	}
	if authWalled(doc) {
		return nil, faults.New(faults.KindAuthExpired, "scrape."+OpPostComment, "login wall")
	}
	// Open the inline composer under the tweet, then send.
	if err := click(ctx, page, selReply, OpPostComment); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, page, selComposerBox, OpPostComment); err != nil {
		return nil, err
	}
	if err := page.Type(ctx, selComposerBox, text); err != nil {
		return nil, faults.Wrap(faults.KindTransient, "scrape."+OpPostComment, err)
	}
	if err := click(ctx, page, selInlineReply, OpPostComment); err != nil {
		return nil, err
	}
	return ActionReceipt{Action: "comment", Target: target, Performed: true, At: time.Now().UTC()}, nil
}

func (b *builtins) checkAuth(ctx context.Context, page browser.Page, args Args) (any, error) {
	if err := page.Navigate(ctx, b.base+"/home"); err != nil {
		return nil, err
	}
	doc, err := document(ctx, page)
	if err != nil {
		return nil, err
	}
	status := AuthStatus{LoggedIn: !authWalled(doc)}
	if status.LoggedIn {
		status.Username = ownHandle(doc)
	}
	return status, nil
}

// open navigates and waits for the primary column before capturing the
// document.
func open(ctx context.Context, page browser.Page, pageURL, op string) (*goquery.Document, error) {
	if err := page.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, page, selPrimaryColumn, op); err != nil {
		return nil, err
	}
	return document(ctx, page)
}

// openList additionally waits, best effort, for list content. Empty
// feeds render no items, so a missing item selector is not an error.
func openList(ctx context.Context, page browser.Page, pageURL, op, itemSel string) (*goquery.Document, error) {
	if err := page.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}
	if err := waitFor(ctx, page, selPrimaryColumn, op); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, softWaitTimeout)
	_ = page.WaitVisible(waitCtx, itemSel)
	cancel()
	return document(ctx, page)
}

func document(ctx context.Context, page browser.Page) (*goquery.Document, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// waitFor marks a missing selector as a scraper failure rather than a
// generic one, so retry and alerting can tell UI drift from flakiness.
func waitFor(ctx context.Context, page browser.Page, sel, op string) error {
	if err := page.WaitVisible(ctx, sel); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.KindScraperMissing, "scrape."+op, err)
	}
	return nil
}

func click(ctx context.Context, page browser.Page, sel, op string) error {
	if err := page.Click(ctx, sel); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.KindScraperMissing, "scrape."+op, err)
	}
	return nil
}

func requireArg(args Args, key string) (string, error) {
	v := strings.TrimSpace(args.Get(key))
	if v == "" {
		return "", faults.Newf(faults.KindValidation, "run_operation", "missing required arg %q", key)
	}
	return v, nil
}
