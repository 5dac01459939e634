// Defines shared service dependencies for handlers.

package handlers

import (
	"github.com/maheux/kintree/internal/storage"
	"github.com/maheux/kintree/internal/storage/imagestore"
	"github.com/maheux/kintree/internal/storage/treestore"
)

// Services holds the store dependencies for handlers.
type Services struct {
	Trees  *treestore.Store
	Images *imagestore.Store
}

// Config holds configuration values needed by handlers.
type Config struct {
	Version      string
	ServerConfig *storage.ServerConfig
}
