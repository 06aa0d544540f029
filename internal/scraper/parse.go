package scraper

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/talonhq/talon/internal/faults"
)

var (
	statusPathRe = regexp.MustCompile(`^/([A-Za-z0-9_]+)/status/([0-9]+)`)
	userPathRe   = regexp.MustCompile(`^/([A-Za-z0-9_]{1,15})$`)
	handleRe     = regexp.MustCompile(`@([A-Za-z0-9_]{1,15})`)
	countRe      = regexp.MustCompile(`[0-9][0-9.,]*[KMBkmb]?`)
	postsRe      = regexp.MustCompile(`([0-9][0-9.,]*[KMBkmb]?) posts`)
)

// parseCount turns the site's abbreviated counters ("1,234", "12.3K",
// "1.2M") into integers. Unparseable input yields 0.
func parseCount(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1e6
		s = s[:len(s)-1]
	case 'B', 'b':
		mult = 1e9
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * mult))
}

// countFromText extracts the first numeric run from mixed text like
// "1,234 Followers".
func countFromText(t string) int64 {
	return parseCount(countRe.FindString(t))
}

// authWalled reports whether the captured page is the logged-out
// interstitial rather than signed-in content.
func authWalled(doc *goquery.Document) bool {
	if doc.Find(selHomeNav).Length() > 0 || doc.Find(selAccountMenu).Length() > 0 {
		return false
	}
	return doc.Find(selLoginButton).Length() > 0
}

// ownHandle extracts the signed-in account's username from the side nav.
func ownHandle(doc *goquery.Document) string {
	if m := handleRe.FindStringSubmatch(doc.Find(selAccountMenu).Text()); m != nil {
		return m[1]
	}
	return ""
}

// notFoundPage detects the "doesn't exist" and suspension interstitials.
func notFoundPage(doc *goquery.Document) bool {
	t := doc.Find(selEmptyState).Text()
	if t == "" {
		t = doc.Find(selErrorDetail).Text()
	}
	t = strings.ToLower(t)
	return strings.Contains(t, "doesn’t exist") ||
		strings.Contains(t, "doesn't exist") ||
		strings.Contains(t, "suspended")
}

func parseProfileCounts(doc *goquery.Document) ProfileCounts {
	var c ProfileCounts
	c.Following = countFromText(doc.Find(`a[href$="/following"]`).First().Text())
	followers := doc.Find(`a[href$="/verified_followers"]`)
	if followers.Length() == 0 {
		followers = doc.Find(`a[href$="/followers"]`)
	}
	c.Followers = countFromText(followers.First().Text())
	if m := postsRe.FindStringSubmatch(doc.Find(selPrimaryColumn).Text()); m != nil {
		c.Tweets = parseCount(m[1])
	}
	return c
}

func parseProfile(doc *goquery.Document, username string) (*Profile, error) {
	if notFoundPage(doc) {
		return nil, faults.Newf(faults.KindNotFound, "scrape."+OpExtractProfile,
			"account %q does not exist or is suspended", username)
	}
	header := doc.Find(selProfileName).First()
	if header.Length() == 0 {
		return nil, faults.New(faults.KindScraperMissing, "scrape."+OpExtractProfile,
			"profile header not in page")
	}
	p := &Profile{
		Username: username,
		Counts:   parseProfileCounts(doc),
		Bio:      strings.TrimSpace(doc.Find(selProfileBio).First().Text()),
		Location: strings.TrimSpace(doc.Find(selProfilePlace).First().Text()),
		Website:  strings.TrimSpace(doc.Find(selProfileURL).First().Text()),
		Joined:   strings.TrimSpace(doc.Find(selProfileJoined).First().Text()),
		Verified: header.Find(selVerifiedBadge).Length() > 0,
	}
	// The header text runs display name then @handle.
	p.DisplayName = strings.TrimSpace(strings.SplitN(header.Text(), "@", 2)[0])
	return p, nil
}

func parseTweets(doc *goquery.Document, limit int) []Tweet {
	var tweets []Tweet
	doc.Find(selTweetArticle).EachWithBreak(func(_ int, art *goquery.Selection) bool {
		if t, ok := parseTweetArticle(art); ok {
			tweets = append(tweets, t)
		}
		return limit <= 0 || len(tweets) < limit
	})
	return tweets
}

func parseTweetArticle(art *goquery.Selection) (Tweet, bool) {
	var t Tweet
	art.Find(selStatusLink).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := statusPathRe.FindStringSubmatch(href); m != nil {
			t.Author, t.ID = m[1], m[2]
			t.URL = "/" + t.Author + "/status/" + t.ID
			return false
		}
		return true
	})
	if t.ID == "" {
		return t, false
	}
	t.Text = strings.TrimSpace(art.Find(selTweetText).First().Text())
	if ts, err := time.Parse(time.RFC3339, art.Find("time").First().AttrOr("datetime", "")); err == nil {
		t.PostedAt = ts
	}
	t.Replies = countFromText(art.Find(selReply).First().Text())
	t.Retweets = countFromText(art.Find(selRetweet).First().Text())
	t.Likes = countFromText(art.Find(selLike).First().Text())
	t.IsRetweet = art.Find(selSocialContext).Length() > 0
	return t, true
}

// parseUserCells reads follower and people-search listings. Usernames
// come from the cell's profile link; the concatenated cell text is only
// trusted for the display name, which runs up to the @handle.
func parseUserCells(doc *goquery.Document) []User {
	var users []User
	seen := make(map[string]bool)
	doc.Find(selUserCell).Each(func(_ int, cell *goquery.Selection) {
		var u User
		cell.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href, _ := a.Attr("href")
			if m := userPathRe.FindStringSubmatch(href); m != nil {
				u.Username = m[1]
				return false
			}
			return true
		})
		if u.Username == "" || seen[u.Username] {
			return
		}
		seen[u.Username] = true
		if text := cell.Text(); strings.Index(text, "@") > 0 {
			u.DisplayName = strings.TrimSpace(text[:strings.Index(text, "@")])
		}
		users = append(users, u)
	})
	return users
}
