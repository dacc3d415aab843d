// Package storage provides the file sinks behind MakeFile: a local
// directory tree and Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// BlobUploader stores and fetches blobs. AzureBlobClient implements it; tests
// use in-memory fakes.
type BlobUploader interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, blobPath string) ([]byte, error)
}

// AzureBlobClient implements BlobUploader for Azure Blob Storage using a
// shared key. Plain HTTP endpoints are allowed so Azurite works locally.
type AzureBlobClient struct {
	client     *azblob.Client
	serviceURL string
	container  string
	logger     *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

// NewAzureBlobClient creates a client from a standard connection string.
func NewAzureBlobClient(connectionString, container string, logger *zap.Logger) (*AzureBlobClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}

	account, key, serviceURL, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var opts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		opts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true},
		}
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		client:     client,
		serviceURL: serviceURL,
		container:  container,
		logger:     logger,
	}, nil
}

// Upload writes data to blobPath in the configured container and returns the
// blob URL.
func (a *AzureBlobClient) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlockBlobClient(blobPath)
	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return blobClient.URL(), nil
}

// Download reads the blob at blobPath.
func (a *AzureBlobClient) Download(ctx context.Context, blobPath string) ([]byte, error) {
	blobPath = strings.TrimPrefix(strings.TrimPrefix(blobPath, "/"), a.container+"/")
	resp, err := a.client.DownloadStream(ctx, a.container, blobPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.container, nil)
	var respErr *azcore.ResponseError
	if err != nil && !(errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists") {
		return fmt.Errorf("failed to ensure container: %w", err)
	}
	a.containerInit = true
	return nil
}

// parseConnectionString extracts the account, key and blob endpoint.
// UseDevelopmentStorage=true selects the Azurite defaults.
func parseConnectionString(cs string) (account, key, serviceURL string, err error) {
	params := make(map[string]string)
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k != "" {
			params[k] = v
		}
	}

	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		return azuriteAccount, azuriteKey, "http://127.0.0.1:10000/" + azuriteAccount, nil
	}

	account, key = params["AccountName"], params["AccountKey"]
	if account == "" || key == "" {
		return "", "", "", fmt.Errorf("account name and key are required in the connection string")
	}
	serviceURL = params["BlobEndpoint"]
	if serviceURL == "" {
		protocol := params["DefaultEndpointsProtocol"]
		if protocol == "" {
			protocol = "https"
		}
		suffix := params["EndpointSuffix"]
		if suffix == "" {
			suffix = "core.windows.net"
		}
		serviceURL = fmt.Sprintf("%s://%s.blob.%s", protocol, account, suffix)
	}
	return account, key, strings.TrimRight(serviceURL, "/"), nil
}

// Well-known Azurite development credentials.
const (
	azuriteAccount = "devstoreaccount1"
	azuriteKey     = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)
