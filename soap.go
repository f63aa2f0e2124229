package onvif

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/elgs/gostrgen"
	"github.com/gofrs/uuid"
	"github.com/juju/errors"
)

const nonceLength = 32

// generatePasswordDigest creates WS-Security password digest
func generatePasswordDigest(password string, now time.Time) (digest, nonce, created string, err error) {
	created = now.UTC().Format("2006-01-02T15:04:05.000Z")
	seq, err := gostrgen.RandGen(nonceLength, gostrgen.Lower|gostrgen.Digit, "", "")
	if err != nil {
		return "", "", "", errors.Annotate(err, "generate nonce")
	}
	nonceBytes := []byte(seq)

	h := sha1.New()
	h.Write(nonceBytes)
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest = base64.StdEncoding.EncodeToString(h.Sum(nil))

	return digest, base64.StdEncoding.EncodeToString(nonceBytes), created, nil
}

type rawResponseKey struct{}

// RawResponse collects the last SOAP payload received by calls made with a
// context returned from WithRawResponse.
type RawResponse struct {
	mu   sync.Mutex
	body []byte
}

// Bytes returns the recorded payload, or nil when nothing was received.
func (r *RawResponse) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

func (r *RawResponse) set(b []byte) {
	r.mu.Lock()
	r.body = b
	r.mu.Unlock()
}

// WithRawResponse returns a context that records the raw response body of
// every SOAP call made with it.
func WithRawResponse(ctx context.Context) (context.Context, *RawResponse) {
	rec := &RawResponse{}
	return context.WithValue(ctx, rawResponseKey{}, rec), rec
}

func recordRaw(ctx context.Context, body []byte) {
	if rec, ok := ctx.Value(rawResponseKey{}).(*RawResponse); ok {
		rec.set(body)
	}
}

// envelope wraps body in a SOAP 1.2 envelope with WS-Addressing and, when
// the client has credentials, a WS-Security UsernameToken header.
func (d *Device) envelope(endpoint, action, body string) (string, error) {
	security := ""
	if d.client.Username != "" {
		digest, nonce, created, err := generatePasswordDigest(d.client.Password, time.Now().Add(d.clockOffset()))
		if err != nil {
			return "", err
		}
		security = fmt.Sprintf(`
		<Security s:mustUnderstand="1" xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
			<UsernameToken>
				<Username>%s</Username>
				<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
				<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
				<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
			</UsernameToken>
		</Security>`, escapeXML(d.client.Username), digest, nonce, created)
	}

	messageID, err := uuid.NewV4()
	if err != nil {
		return "", errors.Annotate(err, "generate message id")
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:a="http://www.w3.org/2005/08/addressing"
            xmlns:tds="http://www.onvif.org/ver10/device/wsdl"
            xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
            xmlns:tt="http://www.onvif.org/ver10/schema"
            xmlns:timg="http://www.onvif.org/ver20/imaging/wsdl"
            xmlns:tr2="http://www.onvif.org/ver20/media/wsdl"
            xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl"
            xmlns:tev="http://www.onvif.org/ver10/events/wsdl"
            xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"
            xmlns:trc="http://www.onvif.org/ver10/recording/wsdl"
            xmlns:tse="http://www.onvif.org/ver10/search/wsdl">
	<s:Header>
		<a:Action>%s</a:Action>
		<a:MessageID>uuid:%s</a:MessageID>
		<a:To>%s</a:To>%s
	</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`, action, messageID.String(), escapeXML(endpoint), security, body), nil
}

// call posts a SOAP request and returns the first element of the response
// body. SOAP faults are returned as *FaultError.
func (d *Device) call(ctx context.Context, endpoint, action, body string) (*etree.Element, error) {
	name := actionName(action)
	if endpoint == "" {
		return nil, errors.NotSupportedf("%s: no endpoint for service", name)
	}

	payload, err := d.envelope(endpoint, action, body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+action+`"`)
	req.Header.Set("SOAPAction", action)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: read response", name)
	}
	recordRaw(ctx, respBody)

	// Some cameras answer errors with an empty body instead of a SOAP fault
	if resp.StatusCode >= 400 && len(respBody) == 0 {
		return nil, &HTTPError{Action: name, StatusCode: resp.StatusCode}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(respBody); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &HTTPError{Action: name, StatusCode: resp.StatusCode}
		}
		return nil, errors.Annotatef(err, "%s: parse response", name)
	}

	root := doc.Root()
	if root == nil {
		return nil, errors.NotValidf("%s: empty response document", name)
	}
	bodyEl := root.SelectElement("Body")
	if bodyEl == nil {
		return nil, errors.NotValidf("%s: response without SOAP body", name)
	}
	if fault := bodyEl.SelectElement("Fault"); fault != nil {
		return nil, parseSOAPFault(name, fault)
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Action: name, StatusCode: resp.StatusCode}
	}

	if children := bodyEl.ChildElements(); len(children) > 0 {
		return children[0], nil
	}
	return bodyEl, nil
}

// HTTPError is returned when the device answers with an HTTP error status
// and no SOAP fault.
type HTTPError struct {
	Action     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Action, e.StatusCode, http.StatusText(e.StatusCode))
}

// FaultError is a SOAP fault returned by the device.
type FaultError struct {
	Action  string
	Code    string
	Subcode string
	Reason  string
}

func (e *FaultError) Error() string {
	// Common ONVIF-specific fault codes
	msg := ""
	switch localName(e.Subcode) {
	case "UsernameClash":
		msg = "username already exists"
	case "UsernameMissing":
		msg = "username not found"
	case "TooManyUsers":
		msg = "maximum number of users reached"
	case "FixedUser":
		msg = "cannot modify or delete fixed user"
	case "Password":
		msg = "password does not meet requirements"
	case "NotAuthorized":
		msg = "not authorized"
	}

	switch {
	case msg != "":
		return fmt.Sprintf("%s: %s", e.Action, msg)
	case e.Reason != "":
		return fmt.Sprintf("%s: SOAP fault: %s", e.Action, e.Reason)
	case e.Subcode != "":
		return fmt.Sprintf("%s: SOAP fault %s (%s)", e.Action, e.Code, e.Subcode)
	default:
		return fmt.Sprintf("%s: SOAP fault %s", e.Action, e.Code)
	}
}

// NotAuthorized reports whether the device rejected the credentials.
func (e *FaultError) NotAuthorized() bool {
	return localName(e.Subcode) == "NotAuthorized" || localName(e.Code) == "NotAuthorized"
}

// parseSOAPFault reads a SOAP 1.2 or SOAP 1.1 Fault element.
func parseSOAPFault(action string, fault *etree.Element) *FaultError {
	f := &FaultError{Action: action}

	if code := fault.SelectElement("Code"); code != nil {
		f.Code = childText(code, "Value")
		// Subcodes nest; the innermost one is the most specific.
		for sub := code.SelectElement("Subcode"); sub != nil; sub = sub.SelectElement("Subcode") {
			f.Subcode = childText(sub, "Value")
		}
		f.Reason = childText(fault, "Reason", "Text")
		return f
	}

	f.Code = childText(fault, "faultcode")
	f.Reason = childText(fault, "faultstring")
	return f
}

// actionName returns the operation name at the end of a SOAP action URI.
func actionName(action string) string {
	if i := strings.LastIndex(action, "/"); i >= 0 {
		return action[i+1:]
	}
	return action
}

// getFirstAddress extracts the first address if multiple are provided
func getFirstAddress(address string) string {
	addresses := strings.Fields(address)
	if len(addresses) > 0 {
		return addresses[0]
	}
	return address
}
