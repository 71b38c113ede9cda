package sender

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/leadgen-pipeline/internal/mxrouter"
)

type fakeClassifier struct {
	result mxrouter.Result
}

func (f *fakeClassifier) Classify(context.Context, string) mxrouter.Result {
	return f.result
}

type sendAttempt struct {
	channel Channel
	to      string
	message string
}

type fakeTransport struct {
	errs     []error // per attempt, nil = success
	attempts []sendAttempt
}

func (f *fakeTransport) Send(_ context.Context, ch Channel, to string, message []byte) error {
	f.attempts = append(f.attempts, sendAttempt{channel: ch, to: to, message: string(message)})
	if len(f.attempts) <= len(f.errs) {
		return f.errs[len(f.attempts)-1]
	}
	return nil
}

var (
	gmailChannel  = Channel{Provider: "gmail", Host: "smtp.gmail.com", Port: 587, FromEmail: "out@gmail.com", FromName: "LeadForge"}
	yandexChannel = Channel{Provider: "yandex", Host: "smtp.yandex.ru", Port: 465, SSL: true, FromEmail: "out@yandex.ru", FromName: "LeadForge"}
)

func setupSender(t *testing.T, class mxrouter.Class, transport *fakeTransport) (*Sender, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(Config{
		DB:             db,
		Router:         &fakeClassifier{result: mxrouter.Result{Class: class, Records: []string{"mx.yandex.net"}}},
		Transport:      transport,
		Gmail:          gmailChannel,
		Yandex:         yandexChannel,
		Window:         DefaultWindow(time.UTC),
		SendingEnabled: true,
	})
	s.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func testMessage() OutreachMessage {
	return OutreachMessage{
		ID: "m1", CompanyID: "c1", ContactID: "k1",
		Recipient: "lead@yandex.ru", Subject: "Тема", Body: "Текст",
	}
}

func expectNoOptOut(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

func TestDeliver_RURouteUsesYandexWithReplyTo(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "sent", out.Status)
	assert.Equal(t, "yandex", out.Provider)
	assert.False(t, out.Fallback)

	require.Len(t, transport.attempts, 1)
	attempt := transport.attempts[0]
	assert.Equal(t, "yandex", attempt.channel.Provider)
	assert.Contains(t, attempt.message, "Reply-To: LeadForge <out@gmail.com>")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_OtherRouteUsesGmailNoReplyTo(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassOther, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "gmail", out.Provider)
	require.Len(t, transport.attempts, 1)
	assert.NotContains(t, transport.attempts[0].message, "Reply-To:")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_UnknownRouteUsesGmail(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassUnknown, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "gmail", out.Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_SpamRejectionFallsBackToGmail(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		errors.New("550 5.7.1 Message rejected under suspicion of spam"),
		nil,
	}}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "sent", out.Status)
	assert.Equal(t, "gmail", out.Provider)
	assert.True(t, out.Fallback)

	require.Len(t, transport.attempts, 2)
	assert.Equal(t, "yandex", transport.attempts[0].channel.Provider)
	assert.Equal(t, "gmail", transport.attempts[1].channel.Provider)
	assert.NotContains(t, transport.attempts[1].message, "Reply-To:",
		"fallback headers are rebuilt for gmail")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_SpamRejectionOnBothChannelsFails(t *testing.T) {
	transport := &fakeTransport{errs: []error{
		errors.New("550 5.7.1 message rejected"),
		errors.New("connection reset"),
	}}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.Contains(t, out.Reason, "connection reset")
	assert.Contains(t, out.Reason, "5.7.1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_AuthErrorNoFallback(t *testing.T) {
	transport := &fakeTransport{errs: []error{&AuthError{Err: errors.New("535 bad credentials")}}}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.Len(t, transport.attempts, 1, "auth failures never retry through gmail")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_AuthErrorWithSpamCodeNoFallback(t *testing.T) {
	// 535 replies can carry a 5.7.0 enhanced status; the auth failure must
	// still fail the message instead of retrying through gmail.
	transport := &fakeTransport{errs: []error{
		&AuthError{Err: errors.New("535 5.7.0 authentication rejected")},
	}}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	expectNoOptOut(mock)
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "failed", out.Status)
	assert.False(t, out.Fallback)
	require.Len(t, transport.attempts, 1)
	assert.Equal(t, "yandex", transport.attempts[0].channel.Provider)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_OptOutSkips(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "skipped", out.Status)
	assert.Equal(t, "opt_out", out.Reason)
	assert.Empty(t, transport.attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_InvalidEmailSkips(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)

	mock.ExpectExec(`UPDATE outreach_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := testMessage()
	msg.Recipient = "broken"
	out, err := s.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "skipped", out.Status)
	assert.Equal(t, "invalid_email", out.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliver_SendingDisabled(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)
	s.sendingEnabled = false

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "disabled", out.Status)
	assert.Empty(t, transport.attempts)
	assert.NoError(t, mock.ExpectationsWereMet(), "no row mutation while disabled")
}

func TestTruncateRunes_CyrillicStaysValidUTF8(t *testing.T) {
	long := strings.Repeat("ж", 600)
	got := truncateRunes(long, 500)
	assert.Equal(t, 500, len([]rune(got)))
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "отказ", truncateRunes("отказ", 500))
}

func TestDeliver_OutsideWindowNoMutation(t *testing.T) {
	transport := &fakeTransport{}
	s, mock := setupSender(t, mxrouter.ClassRU, transport)
	s.now = func() time.Time { return time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC) }

	out, err := s.Deliver(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "scheduled", out.Status)
	assert.Empty(t, transport.attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
