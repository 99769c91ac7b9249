package storage

import (
	"bytes"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeS3 is an in-memory implementation of the subset of s3iface.S3API we use
type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]; !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

var _ = Describe("S3Storage", func() {
	var (
		client  *fakeS3
		storage *S3Storage
	)

	BeforeEach(func() {
		client = newFakeS3()
		storage = NewS3StorageWithClient(client, "invoices", "intake")
	})

	It("stores objects under the configured prefix", func() {
		saved, err := storage.Save("tmp/abc", []byte("pdf bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(saved).To(Equal("tmp/abc"))
		Expect(client.objects).To(HaveKeyWithValue("invoices/intake/tmp/abc", []byte("pdf bytes")))
	})

	It("reads back what was saved", func() {
		_, err := storage.Save("tmp/abc", []byte("pdf bytes"))
		Expect(err).NotTo(HaveOccurred())

		data, err := storage.Read("tmp/abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("pdf bytes")))
	})

	It("returns the error when the upload fails", func() {
		client.putErr = errors.New("access denied")
		_, err := storage.Save("tmp/abc", []byte("pdf bytes"))
		Expect(err).To(MatchError(ContainSubstring("uploading object")))
	})

	When("deleting", func() {
		It("reports true for an existing object", func() {
			_, err := storage.Save("tmp/abc", []byte("pdf bytes"))
			Expect(err).NotTo(HaveOccurred())

			deleted, err := storage.Delete("tmp/abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeTrue())
			Expect(client.objects).To(BeEmpty())
		})

		It("reports false for a missing object", func() {
			deleted, err := storage.Delete("tmp/missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		})
	})
})
