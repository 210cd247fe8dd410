package resumable

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-resumable-upload/resumable/retry"
	"github.com/bitrise-io/go-resumable-upload/resumable/sessionstore"
	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
)

// negotiate makes sure the upload has a session and knows the committed
// offset, then skips the input bytes the server already has. It reports true
// when the server turned out to have the complete object.
func (u *Upload) negotiate() (bool, error) {
	if u.st.uri == "" {
		if err := u.resolveSession(); err != nil {
			return false, err
		}
	}

	if u.st.offset < 0 {
		completed, err := u.queryOffset()
		if err != nil || completed {
			return completed, err
		}
	}

	return false, u.fastForward()
}

// resolveSession picks the caller supplied session, a cached one whose
// fingerprint matches the input, or creates a new one.
func (u *Upload) resolveSession() error {
	if u.cfg.URI != "" {
		u.st.uri = u.cfg.URI
		u.st.uriProvidedManually = true
		u.st.offset = -1
		return nil
	}

	key := u.identity.Key()
	cached, err := u.store.Get(u.ctx, key)
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		return u.createSession()
	case err != nil:
		if u.ctx.Err() != nil {
			return u.interrupted(err)
		}
		u.logger.Warnf("Failed to look up upload session of %s, starting a new one: %s", key, err)
		return u.createSession()
	}

	if len(cached.FirstChunk) > 0 {
		if err := u.buf.WaitForMore(u.ctx, sessionstore.FingerprintSize); err != nil {
			return u.interrupted(err)
		}
		if !bytes.Equal(u.buf.Peek(sessionstore.FingerprintSize), cached.FirstChunk) {
			u.logger.Infof("Input of %s differs from the cached upload session, starting a new one", key)
			u.deleteSession()
			return u.createSession()
		}
	}

	u.logger.Debugf("Resuming cached upload session of %s", key)
	u.st.uri = cached.URI
	u.st.uriProvidedManually = false
	u.st.fingerprint = cached.FirstChunk
	u.st.offset = -1
	return nil
}

type objectResource struct {
	Name        string            `json:"name"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	KMSKeyName  string            `json:"kmsKeyName,omitempty"`
}

// createSession starts a new resumable session and caches its URI.
func (u *Upload) createSession() error {
	query := url.Values{
		"uploadType": {"resumable"},
		"name":       {u.cfg.Object},
	}
	u.addPreconditions(query)
	if u.cfg.KMSKeyName != "" {
		query.Set("kmsKeyName", u.cfg.KMSKeyName)
	}
	if acl := u.cfg.predefinedACL(); acl != "" {
		query.Set("predefinedAcl", acl)
	}
	if u.cfg.UserProject != "" {
		query.Set("userProject", u.cfg.UserProject)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	if u.st.contentLength >= 0 {
		header.Set("X-Upload-Content-Length", strconv.FormatInt(u.st.contentLength, 10))
	}
	if u.cfg.ContentType != "" {
		header.Set("X-Upload-Content-Type", u.cfg.ContentType)
	}
	if u.cfg.Origin != "" {
		header.Set("Origin", u.cfg.Origin)
	}
	u.addEncryptionHeaders(header)

	body, err := json.Marshal(objectResource{
		Name:        u.cfg.Object,
		ContentType: u.cfg.ContentType,
		Metadata:    u.cfg.Metadata,
		KMSKeyName:  u.cfg.KMSKeyName,
	})
	if err != nil {
		return permanent(fmt.Errorf("marshal object metadata: %w", err))
	}

	endpoint := fmt.Sprintf("%s/upload/storage/v1/b/%s/o", u.cfg.APIEndpoint, url.PathEscape(u.cfg.Bucket))
	u.logger.Debugf("Creating upload session for %s", u.identity.Key())

	u.retry.Start()
	resp, err := u.client.Do(u.ctx, transport.Request{
		Method:    http.MethodPost,
		URL:       endpoint,
		Query:     query,
		Header:    header,
		Body:      body,
		Retryable: retry.CreationRetryAllowed(u.cfg.Retry, u.cfg.hasGenerationPrecondition()),
	})
	if err != nil {
		if u.ctx.Err() != nil {
			return u.interrupted(err)
		}
		return permanent(fmt.Errorf("create upload session: %w", err))
	}
	u.emitResponse(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return permanent(fmt.Errorf("create upload session: %w", resp.Err()))
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return permanent(ErrMissingSessionURI)
	}

	u.st.uri = location
	u.st.uriProvidedManually = false
	u.st.offset = 0
	if u.st.highestOffset < 0 {
		u.st.highestOffset = 0
	}
	u.st.fingerprint = nil
	u.st.lastChunk = nil
	u.retry.Reset()
	u.saveSession()

	u.logger.Debugf("Created upload session for %s", u.identity.Key())
	return nil
}

// queryOffset asks the server for the committed offset of the session.
func (u *Upload) queryOffset() (bool, error) {
	header := http.Header{}
	header.Set("Content-Range", "bytes */*")

	u.retry.Start()
	resp, err := u.client.Do(u.ctx, transport.Request{
		Method:    http.MethodPut,
		URL:       u.st.uri,
		Query:     u.userProjectQuery(),
		Header:    header,
		Retryable: u.retry.Config().Enabled(),
	})
	if err != nil {
		return false, u.interrupted(err)
	}
	u.emitResponse(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		u.logger.Infof("Upload of %s is already finalized", u.identity.Key())
		u.complete(resp)
		return true, nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		offset, err := parseRangeOffset(resp.Header.Get("Range"))
		if err != nil {
			return false, permanent(err)
		}
		u.logger.Debugf("Server has %d bytes of %s", offset, u.identity.Key())
		u.acknowledged(offset)
		return false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, u.sessionLost(resp)
	default:
		return false, resp.Err()
	}
}

// sessionLost handles a 404 or 410 for the session URI.
func (u *Upload) sessionLost(resp *transport.Response) error {
	if resp.StatusCode == http.StatusNotFound && u.st.uriProvidedManually {
		return permanent(fmt.Errorf("%w: %s: %w", ErrSessionNotFound, u.st.uri, resp.Err()))
	}
	return u.restart(resp.Err())
}

// restart replaces an unusable session with a new one. Only possible while
// every byte taken from the buffer can still be sent again.
func (u *Upload) restart(reason error) error {
	u.pushBackLastChunk()
	if u.st.bytesWritten > 0 {
		u.st.forgetSession = true
		return permanent(fmt.Errorf("%w: session lost after %d bytes were sent: %w", ErrDataLoss, u.st.bytesWritten, reason))
	}

	u.logger.Warnf("Upload session of %s is no longer usable, starting a new one: %s", u.identity.Key(), reason)
	u.deleteSession()
	u.st.uri = ""
	return u.createSession()
}

// fastForward discards the input bytes the server already committed.
func (u *Upload) fastForward() error {
	st := &u.st
	if st.contentLength >= 0 && st.offset > st.contentLength {
		st.forgetSession = true
		return permanent(fmt.Errorf("%w: server has %d bytes, content length is %d", ErrServerOffsetAhead, st.offset, st.contentLength))
	}
	if st.offset < st.bytesWritten {
		st.forgetSession = true
		return permanent(fmt.Errorf("%w: server has %d bytes, %d were already sent", ErrDataLoss, st.offset, st.bytesWritten))
	}
	if st.offset == st.bytesWritten {
		return nil
	}

	if st.bytesWritten == 0 && st.fingerprint == nil {
		if err := u.captureFingerprint(); err != nil {
			return err
		}
	}

	u.logger.Debugf("Skipping %d bytes the server already has", st.offset-st.bytesWritten)
	for st.bytesWritten < st.offset {
		if err := u.buf.WaitForMore(u.ctx, 1); err != nil {
			return u.interrupted(err)
		}

		skipped := u.buf.Discard(int(minInt64(st.offset-st.bytesWritten, int64(u.buf.Limit()))))
		if skipped == 0 && u.buf.Drained() {
			st.forgetSession = true
			return permanent(fmt.Errorf("%w: server has %d bytes, input ended after %d", ErrServerOffsetAhead, st.offset, st.bytesWritten))
		}
		st.bytesWritten += int64(skipped)
	}
	return nil
}

// captureFingerprint records the first bytes of the input with the session.
func (u *Upload) captureFingerprint() error {
	if err := u.buf.WaitForMore(u.ctx, sessionstore.FingerprintSize); err != nil {
		return u.interrupted(err)
	}
	u.st.fingerprint = u.buf.Peek(sessionstore.FingerprintSize)
	u.saveSession()
	return nil
}

func (u *Upload) addPreconditions(query url.Values) {
	p := u.cfg.Preconditions
	switch {
	case p.IfGenerationMatch != nil:
		query.Set("ifGenerationMatch", strconv.FormatInt(*p.IfGenerationMatch, 10))
	case u.cfg.Generation != 0:
		query.Set("ifGenerationMatch", strconv.FormatInt(u.cfg.Generation, 10))
	}
	if p.IfGenerationNotMatch != nil {
		query.Set("ifGenerationNotMatch", strconv.FormatInt(*p.IfGenerationNotMatch, 10))
	}
	if p.IfMetagenerationMatch != nil {
		query.Set("ifMetagenerationMatch", strconv.FormatInt(*p.IfMetagenerationMatch, 10))
	}
	if p.IfMetagenerationNotMatch != nil {
		query.Set("ifMetagenerationNotMatch", strconv.FormatInt(*p.IfMetagenerationNotMatch, 10))
	}
}

func (u *Upload) addEncryptionHeaders(header http.Header) {
	if len(u.cfg.EncryptionKey) == 0 {
		return
	}
	hash := sha256.Sum256(u.cfg.EncryptionKey)
	header.Set("x-goog-encryption-algorithm", "AES256")
	header.Set("x-goog-encryption-key", base64.StdEncoding.EncodeToString(u.cfg.EncryptionKey))
	header.Set("x-goog-encryption-key-sha256", base64.StdEncoding.EncodeToString(hash[:]))
}

func (u *Upload) userProjectQuery() url.Values {
	if u.cfg.UserProject == "" {
		return nil
	}
	return url.Values{"userProject": {u.cfg.UserProject}}
}

func (u *Upload) emitResponse(resp *transport.Response) {
	u.bus.emit(Event{Type: EventResponse, Response: resp})
}

// parseRangeOffset returns the committed offset from a Range header
// ("bytes=0-n" means n+1 bytes). A missing header means nothing is committed.
func parseRangeOffset(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}

	value := strings.TrimPrefix(strings.TrimSpace(header), "bytes=")
	_, last, found := strings.Cut(value, "-")
	if !found {
		return 0, fmt.Errorf("invalid Range header %q", header)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < 0 {
		return 0, fmt.Errorf("invalid Range header %q", header)
	}
	return end + 1, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
