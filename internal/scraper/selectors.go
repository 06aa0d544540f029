package scraper

// DOM hooks for the target site, keyed on data-testid attributes because
// class names are re-minified every deploy. All in one place: when
// scraping breaks after a UI change, start here.
const (
	selPrimaryColumn = `[data-testid="primaryColumn"]`
	selTweetArticle  = `article[data-testid="tweet"]`
	selTweetText     = `[data-testid="tweetText"]`
	selStatusLink    = `a[href*="/status/"]`
	selSocialContext = `[data-testid="socialContext"]`

	selReply   = `[data-testid="reply"]`
	selRetweet = `[data-testid="retweet"]`
	selLike    = `[data-testid="like"]`
	selUnlike  = `[data-testid="unlike"]`

	selProfileName   = `[data-testid="UserName"]`
	selProfileBio    = `[data-testid="UserDescription"]`
	selProfilePlace  = `[data-testid="UserLocation"]`
	selProfileURL    = `[data-testid="UserUrl"]`
	selProfileJoined = `[data-testid="UserJoinDate"]`
	selVerifiedBadge = `[data-testid="icon-verified"]`

	selFollowButton   = `[data-testid$="-follow"]`
	selUnfollowButton = `[data-testid$="-unfollow"]`
	selUserCell       = `[data-testid="UserCell"]`

	selComposerBox  = `[data-testid="tweetTextarea_0"]`
	selComposerSend = `[data-testid="tweetButton"]`
	selInlineReply  = `[data-testid="tweetButtonInline"]`

	// Auth state probes: a signed-in shell renders the side nav, a
	// logged-out interstitial renders the login button.
	selHomeNav     = `[data-testid="SideNav_NewTweet_Button"]`
	selAccountMenu = `[data-testid="SideNav_AccountSwitcher_Button"]`
	selLoginButton = `[data-testid="loginButton"]`

	selEmptyState  = `[data-testid="emptyState"]`
	selErrorDetail = `[data-testid="error-detail"]`
)
