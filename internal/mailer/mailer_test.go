package mailer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	gomail "gopkg.in/gomail.v2"
)

func TestSendShareCode(t *testing.T) {
	req := require.New(t)
	var got *gomail.Message
	m := NewWithSender("relay@example.com", func(msg *gomail.Message) error {
		got = msg
		return nil
	})

	err := m.SendShareCode("friend@example.com", "K7Q2ZD", "Laptop")

	req.NoError(err)
	req.NotNil(got)
	req.Equal([]string{"relay@example.com"}, got.GetHeader("From"))
	req.Equal([]string{"friend@example.com"}, got.GetHeader("To"))
	req.Equal([]string{"Laptop wants to share files with you"}, got.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err = got.WriteTo(&buf)
	req.NoError(err)
	req.Contains(buf.String(), "K7Q2ZD")
}

func TestSendShareCode_Unconfigured(t *testing.T) {
	m := New(Config{Host: "smtp.example.com", Port: 587})

	err := m.SendShareCode("friend@example.com", "ABCDEF", "")

	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestSendShareCode_DeliveryError(t *testing.T) {
	boom := errors.New("421 try later")
	m := NewWithSender("relay@example.com", func(*gomail.Message) error { return boom })

	err := m.SendShareCode("friend@example.com", "ABCDEF", "Laptop")

	require.ErrorIs(t, err, boom)
}
