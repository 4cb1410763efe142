package resolver

import (
	"context"

	"github.com/grafana/remotesym/pkg/remotefile"
)

type clientFileService struct {
	*remotefile.Client
}

// NewFileService exposes a remote file client as a FileService.
func NewFileService(c *remotefile.Client) FileService {
	return clientFileService{Client: c}
}

func (s clientFileService) Open(ctx context.Context, path string) (RemoteFile, error) {
	f, err := s.Client.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return f, nil
}
