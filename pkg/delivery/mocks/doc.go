// Package mocks provides mock implementations for testing purposes.
package mocks

//go:generate mockgen -destination=mock_poster.go -package=mocks github.com/guido-cesarano/eventq/pkg/delivery Poster
