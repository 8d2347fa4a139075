package graph

import "github.com/shineum/smtp-matrix-bridge/internal/notify"

// originalMessageHeader carries the Message-ID of the rejected email. Graph
// only accepts custom headers with an X- prefix, so In-Reply-To cannot be set.
const originalMessageHeader = "X-Original-Message-ID"

// sendMailRequest is the request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string           `json:"subject"`
	Body                   messageBody      `json:"body"`
	ToRecipients           []recipient      `json:"toRecipients"`
	InternetMessageHeaders []internetHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts a notice into a sendMail request body.
// Notices are not kept in the sender's Sent Items.
func buildSendMailRequest(n notify.Notice) *sendMailRequest {
	msg := sendMailMessage{
		Subject: n.Subject,
		Body: messageBody{
			ContentType: "text",
			Content:     n.Body,
		},
		ToRecipients: []recipient{{EmailAddress: emailAddress{Address: n.To}}},
	}
	if n.InReplyTo != "" {
		msg.InternetMessageHeaders = []internetHeader{{Name: originalMessageHeader, Value: n.InReplyTo}}
	}
	return &sendMailRequest{Message: msg}
}
