package slack

// Wire types for the Slack Web API. Only the fields this service reads are
// declared; everything else is dropped during decode.

type apiEnvelope struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type historyResponse struct {
	apiEnvelope
	Messages []apiMessage `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

type repliesResponse struct {
	apiEnvelope
	Messages []apiMessage `json:"messages"`
}

type userResponse struct {
	apiEnvelope
	User apiUser `json:"user"`
}

type channelResponse struct {
	apiEnvelope
	Channel apiChannel `json:"channel"`
}

type listResponse struct {
	apiEnvelope
	Channels []apiChannel `json:"channels"`
}

type fileResponse struct {
	apiEnvelope
	File apiFile `json:"file"`
}

type apiMessage struct {
	Type       string        `json:"type"`
	Subtype    string        `json:"subtype"`
	TS         string        `json:"ts"`
	ThreadTS   string        `json:"thread_ts"`
	User       string        `json:"user"`
	Text       string        `json:"text"`
	ReplyCount int           `json:"reply_count"`
	Reactions  []apiReaction `json:"reactions"`
	Files      []apiFile     `json:"files"`
}

type apiReaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type apiUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
	} `json:"profile"`
}

type apiChannel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMember   bool   `json:"is_member"`
	Properties struct {
		Canvas struct {
			FileID string `json:"file_id"`
		} `json:"canvas"`
	} `json:"properties"`
}

type apiFile struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Name       string `json:"name"`
	Filetype   string `json:"filetype"`
	Subtype    string `json:"subtype"`
	Mimetype   string `json:"mimetype"`
	User       string `json:"user"`
	Created    int64  `json:"created"`
	Size       int64  `json:"size"`
	Lines      int    `json:"lines"`
	Preview    string `json:"preview"`
	URLPrivate string `json:"url_private"`
	AppName    string `json:"app_name"`
}
