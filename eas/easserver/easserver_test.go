package easserver_test

import (
	"context"
	"testing"
	"time"

	"crawshaw.io/iox"
	"spilled.ink/eas/eastest"
)

func Test(t *testing.T) {
	filer := iox.NewFiler(0)
	filer.DefaultBufferMemSize = 1 << 20
	filer.Logf = t.Logf
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	}()

	for _, test := range eastest.Tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			server, err := eastest.InitTestServer(filer)
			if err != nil {
				t.Fatal(err)
			}
			server.Init(t)
			defer func() {
				if err := server.Shutdown(); err != nil {
					t.Fatal(err)
				}
			}()

			test.Fn(t, server)
		})
	}
}
