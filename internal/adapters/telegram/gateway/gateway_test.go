package gateway

import (
	"testing"

	"github.com/gotd/td/tg"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/telegram/peersmgr"
)

func TestMessageFromTgUsesEditDateWhenPresent(t *testing.T) {
	m := &tg.Message{ID: 5, Date: 100, EditDate: 200, Message: "hi"}
	out := messageFromTg(1, m)
	if out.Date != 200 {
		t.Errorf("Date = %d, want 200 (edit date should win)", out.Date)
	}
	if out.ChatID != 1 || out.ID != 5 || out.Text != "hi" {
		t.Errorf("unexpected message: %+v", out)
	}
}

func TestMessageFromTgFallsBackToDate(t *testing.T) {
	m := &tg.Message{ID: 5, Date: 100, Message: "hi"}
	out := messageFromTg(1, m)
	if out.Date != 100 {
		t.Errorf("Date = %d, want 100", out.Date)
	}
}

func TestMessageFromTgCapturesReplyTarget(t *testing.T) {
	m := &tg.Message{
		ID:      5,
		Date:    100,
		ReplyTo: &tg.MessageReplyHeader{ReplyToMsgID: 3},
	}
	out := messageFromTg(1, m)
	if out.ReplyToMsgID == nil || *out.ReplyToMsgID != 3 {
		t.Errorf("ReplyToMsgID = %v, want 3", out.ReplyToMsgID)
	}
}

func TestMediaReferenceFromTgClassifiesPhotoAndDocument(t *testing.T) {
	photoRef := mediaReferenceFromTg(1, 9, &tg.MessageMediaPhoto{})
	if photoRef.Kind != archive.MediaPhoto {
		t.Errorf("photo kind = %v", photoRef.Kind)
	}
	docRef := mediaReferenceFromTg(1, 9, &tg.MessageMediaDocument{Document: &tg.Document{}})
	if docRef.Kind != archive.MediaDocument {
		t.Errorf("document kind = %v", docRef.Kind)
	}
	if photoRef.OpaqueHandle != "1:9" {
		t.Errorf("OpaqueHandle = %q", photoRef.OpaqueHandle)
	}
}

func TestMediaReferenceFromTgDisambiguatesDocumentKindsByAttribute(t *testing.T) {
	cases := []struct {
		name string
		doc  *tg.Document
		want archive.MediaKind
	}{
		{
			name: "video",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}}},
			want: archive.MediaVideo,
		},
		{
			name: "audio",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: false}}},
			want: archive.MediaAudio,
		},
		{
			name: "voice",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true}}},
			want: archive.MediaVoice,
		},
		{
			name: "sticker",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeSticker{}}},
			want: archive.MediaSticker,
		},
		{
			name: "animation",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAnimated{}}},
			want: archive.MediaAnimation,
		},
		{
			name: "plain file falls back to document",
			doc:  &tg.Document{Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "report.pdf"}}},
			want: archive.MediaDocument,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref := mediaReferenceFromTg(1, 9, &tg.MessageMediaDocument{Document: tc.doc})
			if ref.Kind != tc.want {
				t.Errorf("%s: kind = %v, want %v", tc.name, ref.Kind, tc.want)
			}
		})
	}
}

func TestMediaReferenceFromTgFallsBackToMimeTypeWithoutAttributes(t *testing.T) {
	cases := []struct {
		mime string
		want archive.MediaKind
	}{
		{"video/mp4", archive.MediaVideo},
		{"audio/ogg", archive.MediaAudio},
		{"application/x-tgsticker", archive.MediaSticker},
		{"image/gif", archive.MediaAnimation},
		{"application/pdf", archive.MediaDocument},
	}
	for _, tc := range cases {
		doc := &tg.Document{MimeType: tc.mime}
		ref := mediaReferenceFromTg(1, 9, &tg.MessageMediaDocument{Document: doc})
		if ref.Kind != tc.want {
			t.Errorf("mime %q: kind = %v, want %v", tc.mime, ref.Kind, tc.want)
		}
	}
}

func TestChatKindOfMapsAllDialogKinds(t *testing.T) {
	cases := map[peersmgr.DialogKind]archive.ChatKind{
		peersmgr.DialogKindUser:    archive.ChatPrivate,
		peersmgr.DialogKindChat:    archive.ChatGroup,
		peersmgr.DialogKindChannel: archive.ChatSupergroup,
		peersmgr.DialogKindFolder:  "",
	}
	for in, want := range cases {
		if got := chatKindOf(in); got != want {
			t.Errorf("chatKindOf(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestLargestPhotoSizePicksMaxArea(t *testing.T) {
	sizes := []tg.PhotoSizeClass{
		&tg.PhotoSize{Type: "s", W: 90, H: 90},
		&tg.PhotoSize{Type: "m", W: 320, H: 320},
		&tg.PhotoSize{Type: "x", W: 800, H: 800},
	}
	if got := largestPhotoSize(sizes); got != "x" {
		t.Errorf("largestPhotoSize = %q, want x", got)
	}
}
