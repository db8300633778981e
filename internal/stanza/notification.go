package stanza

import (
	"encoding/xml"
	"fmt"
)

const (
	NotificationElement   = "notification"
	NotificationNamespace = "androidpn:iq:notification"
)

// Notification is one server-pushed record. Fields are optional on the wire.
type Notification struct {
	XMLName xml.Name `xml:"androidpn:iq:notification notification"`
	ID      string   `xml:"id"`
	APIKey  string   `xml:"apiKey"`
	Title   string   `xml:"title"`
	Message string   `xml:"message"`
	URI     string   `xml:"uri"`
}

// ParseNotification reads events up to the </notification> end tag and
// captures the text of the known child elements. A repeated child overwrites
// the earlier value; unknown children are ignored. The opening
// <notification> tag may or may not have been consumed already.
func ParseNotification(src TokenSource) (Notification, error) {
	var n Notification
	for {
		tok, err := src.Token()
		if err != nil {
			return Notification{}, parseErr(err, "<notification>")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			field := n.field(t.Name.Local)
			if field == nil {
				continue
			}
			text, err := readText(src, t.Name.Local)
			if err != nil {
				return Notification{}, err
			}
			*field = text
		case xml.EndElement:
			if t.Name.Local == NotificationElement {
				n.XMLName = xml.Name{Space: NotificationNamespace, Local: NotificationElement}
				return n, nil
			}
		}
	}
}

func (n *Notification) field(local string) *string {
	switch local {
	case "id":
		return &n.ID
	case "apiKey":
		return &n.APIKey
	case "title":
		return &n.Title
	case "message":
		return &n.Message
	case "uri":
		return &n.URI
	}
	return nil
}

func (n Notification) String() string {
	return fmt.Sprintf("notification id=%q api_key=%q title=%q uri=%q", n.ID, n.APIKey, n.Title, n.URI)
}

// NotificationProvider adapts ParseNotification to the provider registry.
func NotificationProvider(src TokenSource, _ xml.StartElement) (any, error) {
	n, err := ParseNotification(src)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
