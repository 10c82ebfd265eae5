package platform

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"instream-live-server/pkg/broadcast"
)

var ErrNoVideo = errors.New("post has no downloadable video")

// IsPostURL reports whether raw points at a platform post or reel rather than
// a direct media file.
func IsPostURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "instagram.com" && host != "instagr.am" {
		return false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return len(parts) >= 2 && (parts[0] == "p" || parts[0] == "reel" || parts[0] == "reels" || parts[0] == "tv")
}

// ResolveMediaURL turns a post URL into the URL of its best video version.
func (c *Client) ResolveMediaURL(ctx context.Context, creds broadcast.Credentials, postURL string) (string, error) {
	if c.DryRun {
		return "", &Error{Kind: KindRejected, Op: "media resolve", Message: "dry run"}
	}
	var oembed struct {
		MediaID string `json:"media_id"`
	}
	if err := c.call(ctx, creds, http.MethodGet, "/api/v1/oembed/?url="+url.QueryEscape(postURL), nil, &oembed); err != nil {
		return "", err
	}
	if oembed.MediaID == "" {
		return "", ErrNoVideo
	}

	var media struct {
		Items []struct {
			VideoVersions []struct {
				URL    string `json:"url"`
				Width  int    `json:"width"`
				Height int    `json:"height"`
			} `json:"video_versions"`
			CarouselMedia []struct {
				VideoVersions []struct {
					URL string `json:"url"`
				} `json:"video_versions"`
			} `json:"carousel_media"`
		} `json:"items"`
	}
	if err := c.call(ctx, creds, http.MethodGet, endpoint("/api/v1/media/%s/info/", oembed.MediaID), nil, &media); err != nil {
		return "", err
	}
	for _, item := range media.Items {
		best, bestArea := "", -1
		for _, v := range item.VideoVersions {
			if area := v.Width * v.Height; area > bestArea {
				best, bestArea = v.URL, area
			}
		}
		if best != "" {
			return best, nil
		}
		for _, cm := range item.CarouselMedia {
			if len(cm.VideoVersions) > 0 {
				return cm.VideoVersions[0].URL, nil
			}
		}
	}
	return "", ErrNoVideo
}
