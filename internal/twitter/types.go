package twitter

import "time"

// User is the subset of the v2 user object we keep.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Tweet is one post from a monitored account.
type Tweet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  string    `json:"author_id"`
	Metrics   Metrics   `json:"public_metrics"`
}

type Metrics struct {
	Likes    int `json:"like_count"`
	Retweets int `json:"retweet_count"`
	Replies  int `json:"reply_count"`
}

// Time returns the post time; zero when the API omitted it.
func (t Tweet) Time() time.Time { return t.CreatedAt }
