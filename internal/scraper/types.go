package scraper

import (
	"strconv"
	"time"
)

// Args carries per-invocation operation parameters. Values are strings;
// numeric args use the accessor helpers.
type Args map[string]string

// Get returns the value for key, or "" when absent.
func (a Args) Get(key string) string {
	if a == nil {
		return ""
	}
	return a[key]
}

// Int returns the integer value for key, or def when absent or malformed.
func (a Args) Int(key string, def int) int {
	v := a.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Profile is the result of the extract-profile operation.
type Profile struct {
	Username    string        `json:"username"`
	DisplayName string        `json:"display_name"`
	Bio         string        `json:"bio,omitempty"`
	Location    string        `json:"location,omitempty"`
	Website     string        `json:"website,omitempty"`
	Joined      string        `json:"joined,omitempty"`
	Verified    bool          `json:"verified,omitempty"`
	Counts      ProfileCounts `json:"counts"`
}

// ProfileCounts is the result of the lightweight profile-counts operation
// and the follower fast-path probe.
type ProfileCounts struct {
	Tweets    int64 `json:"tweets"`
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
}

// Tweet is one parsed timeline item. Mentions are tweets too.
type Tweet struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	PostedAt  time.Time `json:"posted_at,omitempty"`
	Replies   int64     `json:"replies"`
	Retweets  int64     `json:"retweets"`
	Likes     int64     `json:"likes"`
	IsRetweet bool      `json:"is_retweet,omitempty"`
}

// User is one entry from a follower or people-search listing.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// ActionReceipt is the result of every mutating operation. Performed is
// false when the action was already in the desired state (tweet already
// liked, user already followed), which callers must not count against
// quotas.
type ActionReceipt struct {
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Performed bool      `json:"performed"`
	At        time.Time `json:"at"`
}

// AuthStatus is the result of the check-auth operation.
type AuthStatus struct {
	LoggedIn bool   `json:"logged_in"`
	Username string `json:"username,omitempty"`
}
