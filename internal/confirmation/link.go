package confirmation

import (
	"net/url"
	"strconv"
	"strings"
)

// Action is a supplier decision reachable from the emailed link.
type Action string

const (
	ActionView   Action = ""
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Link builds the public confirmation URL for an order.
func Link(baseURL string, orderType OrderType, orderID int64, action Action, token string) string {
	path := strings.TrimRight(baseURL, "/") + "/confirm/" + url.PathEscape(string(orderType)) + "/" + strconv.FormatInt(orderID, 10)
	if action != ActionView {
		path += "/" + string(action)
	}
	return path + "?" + url.Values{"token": {token}}.Encode()
}
