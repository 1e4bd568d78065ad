package store

import (
	"github.com/triops-labs/triops/pkg/recorder"
	"github.com/triops-labs/triops/pkg/secrets"
	"github.com/triops-labs/triops/pkg/snippets"
	"github.com/triops-labs/triops/pkg/tenants"
)

var (
	_ tenants.Store  = (*Store)(nil)
	_ snippets.Store = (*Store)(nil)
	_ secrets.Store  = (*Store)(nil)
	_ recorder.Store = (*Store)(nil)
)
