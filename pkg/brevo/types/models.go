package types

// Recipient identifies one email recipient or sender.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// EmailRequest is the payload for a transactional send, built fresh per
// dispatch attempt. Field names follow the Brevo v3 /smtp/email contract.
type EmailRequest struct {
	To          []Recipient            `json:"to"`
	TemplateID  int                    `json:"templateId,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Sender      *Recipient             `json:"sender,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	HTMLContent string                 `json:"htmlContent,omitempty"`
	TextContent string                 `json:"textContent,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	CC          []Recipient            `json:"cc,omitempty"`
	BCC         []Recipient            `json:"bcc,omitempty"`
	ReplyTo     *Recipient             `json:"replyTo,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// NewEmailRequest creates an empty email request.
func NewEmailRequest() *EmailRequest {
	return &EmailRequest{}
}

// AddTo appends a recipient.
func (r *EmailRequest) AddTo(email, name string) *EmailRequest {
	r.To = append(r.To, Recipient{Email: email, Name: name})
	return r
}

// WithTemplate sets the template id.
func (r *EmailRequest) WithTemplate(templateID int) *EmailRequest {
	r.TemplateID = templateID
	return r
}

// WithParams merges template parameters.
func (r *EmailRequest) WithParams(params map[string]interface{}) *EmailRequest {
	if r.Params == nil {
		r.Params = make(map[string]interface{}, len(params))
	}
	for k, v := range params {
		r.Params[k] = v
	}
	return r
}

// WithParam sets a single template parameter.
func (r *EmailRequest) WithParam(key string, value interface{}) *EmailRequest {
	return r.WithParams(map[string]interface{}{key: value})
}

// WithSender sets the sender.
func (r *EmailRequest) WithSender(email, name string) *EmailRequest {
	r.Sender = &Recipient{Email: email, Name: name}
	return r
}

// WithSubject sets the subject for non-template sends.
func (r *EmailRequest) WithSubject(subject string) *EmailRequest {
	r.Subject = subject
	return r
}

// WithHTML sets HTML content for non-template sends.
func (r *EmailRequest) WithHTML(content string) *EmailRequest {
	r.HTMLContent = content
	return r
}

// WithText sets text content for non-template sends.
func (r *EmailRequest) WithText(content string) *EmailRequest {
	r.TextContent = content
	return r
}

// WithHeader adds a custom header.
func (r *EmailRequest) WithHeader(key, value string) *EmailRequest {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// AddCC appends a CC recipient.
func (r *EmailRequest) AddCC(email, name string) *EmailRequest {
	r.CC = append(r.CC, Recipient{Email: email, Name: name})
	return r
}

// AddBCC appends a BCC recipient.
func (r *EmailRequest) AddBCC(email, name string) *EmailRequest {
	r.BCC = append(r.BCC, Recipient{Email: email, Name: name})
	return r
}

// WithReplyTo sets the reply-to address.
func (r *EmailRequest) WithReplyTo(email, name string) *EmailRequest {
	r.ReplyTo = &Recipient{Email: email, Name: name}
	return r
}

// AddTag appends a tracking tag.
func (r *EmailRequest) AddTag(tag string) *EmailRequest {
	r.Tags = append(r.Tags, tag)
	return r
}

// Validate checks the request is sendable.
func (r *EmailRequest) Validate() error {
	if len(r.To) == 0 {
		return &ValidationError{Message: "at least one recipient is required"}
	}
	if r.TemplateID == 0 && r.HTMLContent == "" && r.TextContent == "" {
		return &ValidationError{Message: "either templateId or htmlContent/textContent is required"}
	}
	if r.TemplateID == 0 && r.Subject == "" {
		return &ValidationError{Message: "subject is required for non-template emails"}
	}
	return nil
}

// ContactRequest is the payload for creating or updating a contact.
type ContactRequest struct {
	Email         string                 `json:"email"`
	ListIDs       []int                  `json:"listIds,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	UpdateEnabled bool                   `json:"updateEnabled"`
}

// Response is the normalized outcome of one Brevo API call. Success mirrors
// the HTTP status class; provider error text and status are captured
// verbatim for diagnostics.
type Response struct {
	Success    bool                   `json:"success"`
	MessageID  string                 `json:"message_id,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StatusCode int                    `json:"status_code"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// ValidationError reports an unsendable email request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
