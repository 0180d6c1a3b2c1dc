package main

import "github.com/andresmejia3/facecanvas/cmd"

func main() {
	cmd.Execute()
}
