package service

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeObject struct {
	data        []byte
	contentType string
	etag        string
}

// fakeStorage is an in-memory ObjectStorage.
type fakeStorage struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string]fakeObject
	presigns []string
	fetches  int
	// onStat runs after each Stat lookup, outside the lock.
	onStat func()
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{bucket: "doc-uploads", objects: map[string]fakeObject{}}
}

func (f *fakeStorage) put(key, contentType string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, contentType: contentType, etag: fmt.Sprintf("etag-%d", len(data))}
}

func (f *fakeStorage) Bucket() string { return f.bucket }

func (f *fakeStorage) PresignPut(_ context.Context, key, contentType string, expiry time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presigns = append(f.presigns, key)
	return fmt.Sprintf("https://storage.test/%s/%s?ct=%s&exp=%d", f.bucket, key, contentType, int(expiry.Seconds())), nil
}

func (f *fakeStorage) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s/%s?get", f.bucket, key), nil
}

func (f *fakeStorage) Stat(_ context.Context, key string) (ObjectInfo, error) {
	f.mu.Lock()
	obj, ok := f.objects[key]
	hook := f.onStat
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return ObjectInfo{}, fmt.Errorf("no such key %s", key)
	}
	return ObjectInfo{Size: int64(len(obj.data)), ContentType: obj.contentType, ETag: obj.etag}, nil
}

func (f *fakeStorage) Fetch(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	obj, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return obj.data, nil
}

// fakeExtractor returns canned extraction results.
type fakeExtractor struct {
	pages int
	text  string
	err   error
}

func (f fakeExtractor) Extract([]byte) (int, string, error) {
	return f.pages, f.text, f.err
}

// fakeRecognizer returns canned OCR text.
type fakeRecognizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeRecognizer) Recognize(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}
